// Package resilience provides the typed error taxonomy, retry, circuit
// breaker, and dead-letter primitives used by the sync engine.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is the closed set of error classes produced by the collaborator
// adapters. Raw provider errors are translated into a Kind exactly once, at
// the adapter boundary, so call sites never re-parse message strings.
type Kind int

const (
	// KindPermanent is any failure that will not succeed on retry.
	KindPermanent Kind = iota
	// KindTransient covers 5xx, timeouts, and malformed/empty provider output.
	KindTransient
	// KindRateLimited covers 429 and quota-exhausted responses.
	KindRateLimited
	// KindAuthFailed covers 401/403 on a classifier credential.
	KindAuthFailed
	// KindCredentialExpired is the conversation source's expired-token error.
	// It blocks all remaining fetches for the job, not just the current one.
	KindCredentialExpired
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailed:
		return "auth_failed"
	case KindCredentialExpired:
		return "credential_expired"
	default:
		return "permanent"
	}
}

// ClassifiedError tags an underlying provider error with a Kind and the HTTP
// status that produced it, when known.
type ClassifiedError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given kind.
func Classify(kind Kind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// ClassifyStatus wraps err using the HTTP status code to pick the kind.
func ClassifyStatus(statusCode int, err error) *ClassifiedError {
	kind := KindPermanent
	switch {
	case statusCode == 429:
		kind = KindRateLimited
	case statusCode == 401 || statusCode == 403:
		kind = KindAuthFailed
	case statusCode == 408 || statusCode >= 500:
		kind = KindTransient
	}
	return &ClassifiedError{Kind: kind, StatusCode: statusCode, Err: err}
}

// KindOf returns the Kind of the first ClassifiedError in the chain,
// falling back to network-level heuristics for unwrapped transport errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if isNetworkTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err is safe to retry in place.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsRateLimited reports whether err indicates provider throttling.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsAuthFailed reports whether err indicates a rejected credential.
func IsAuthFailed(err error) bool { return KindOf(err) == KindAuthFailed }

// IsCredentialExpired reports whether err is the source's expired-token error.
func IsCredentialExpired(err error) bool { return KindOf(err) == KindCredentialExpired }

// Retryable reports whether err may succeed on a later attempt, possibly
// with a different credential.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// isNetworkTransient detects transport-level failures that arrive without a
// status code: timeouts, resets, DNS flaps.
func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
