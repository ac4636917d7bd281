package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{401, KindAuthFailed},
		{403, KindAuthFailed},
		{408, KindTransient},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{404, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := ClassifyStatus(tc.status, errors.New("boom"))
			if got := KindOf(err); got != tc.want {
				t.Errorf("status %d: got %s, want %s", tc.status, got, tc.want)
			}
		})
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := Classify(KindCredentialExpired, errors.New("token expired"))
	wrapped := eris.Wrap(base, "list conversations")
	if !IsCredentialExpired(wrapped) {
		t.Error("credential-expired kind lost through eris wrap")
	}

	wrapped2 := fmt.Errorf("outer: %w", Classify(KindRateLimited, errors.New("quota")))
	if !IsRateLimited(wrapped2) {
		t.Error("rate-limited kind lost through fmt wrap")
	}
}

func TestKindOf_NetworkHeuristics(t *testing.T) {
	if KindOf(errors.New("read tcp: connection reset by peer")) != KindTransient {
		t.Error("connection reset should be transient")
	}
	if KindOf(errors.New("dial tcp: i/o timeout")) != KindTransient {
		t.Error("i/o timeout should be transient")
	}
	if KindOf(errors.New("invalid payload")) != KindPermanent {
		t.Error("unclassified error should be permanent")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Classify(KindTransient, errors.New("x"))) {
		t.Error("transient should be retryable")
	}
	if !Retryable(Classify(KindRateLimited, errors.New("x"))) {
		t.Error("rate-limited should be retryable")
	}
	if Retryable(Classify(KindAuthFailed, errors.New("x"))) {
		t.Error("auth failure is not retryable in place")
	}
	if Retryable(Classify(KindCredentialExpired, errors.New("x"))) {
		t.Error("expired source credential is not retryable")
	}
}

func TestDLQEntry_CanRetryAndDue(t *testing.T) {
	e := DLQEntry{RetryCount: 2, MaxRetries: 3}
	if !e.CanRetry() {
		t.Error("expected retryable")
	}
	e.RetryCount = 3
	if e.CanRetry() {
		t.Error("expected exhausted")
	}
}
