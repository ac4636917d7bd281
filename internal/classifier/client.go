// Package classifier turns conversation transcripts into lead verdicts via
// the Anthropic API, rotating through the credential pool and degrading to
// keyword heuristics when every key is exhausted.
package classifier

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/keypool"
	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
	"github.com/sells-group/contact-sync/pkg/anthropic"
)

// ErrExhausted means every key rotation attempt failed.
var ErrExhausted = eris.New("classifier: all credentials exhausted")

// errEmptyResponse marks a call that succeeded at the HTTP layer but carried
// no text. Retried like any transient error, with a longer pause since the
// model tends to need more than one backoff step to recover.
var errEmptyResponse = eris.New("empty model response")

// Config tunes the analysis client.
type Config struct {
	Model     string
	MaxTokens int64
	// MaxKeyRotations bounds how many distinct credentials one analysis may
	// burn through before giving up. Defaults to 3.
	MaxKeyRotations int
	// RateLimitDelay is the pause before rotating off a throttled key.
	// Defaults to 2s.
	RateLimitDelay time.Duration
	Retry          resilience.RetryConfig
}

// AnalysisClient scores transcripts. Each call leases a credential from the
// pool; transient failures retry on the same key, rate limits and auth
// failures rotate to the next one.
type AnalysisClient struct {
	pool   *keypool.Pool
	forKey func(secret string) anthropic.Client
	cfg    Config
}

// New builds an AnalysisClient. forKey is typically anthropic's
// Factory.ForKey so SDK clients are reused across rotations.
func New(pool *keypool.Pool, forKey func(secret string) anthropic.Client, cfg Config) *AnalysisClient {
	if cfg.MaxKeyRotations <= 0 {
		cfg.MaxKeyRotations = 3
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 2 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &AnalysisClient{pool: pool, forKey: forKey, cfg: cfg}
}

// Analyze scores a transcript. With a pipeline present the model is asked to
// recommend a stage; without one it produces a summary verdict only. A nil
// analysis with ErrExhausted means the caller should fall back to
// FallbackAnalysis.
func (c *AnalysisClient) Analyze(ctx context.Context, msgs []model.Message, participantID string, p *model.Pipeline) (*model.ContactAnalysis, error) {
	system := analysisSystemPrompt
	if p == nil || len(p.Stages) == 0 {
		system = summarySystemPrompt
	}
	req := anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: system, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: buildUserPrompt(RenderTranscript(msgs, participantID), p)},
		},
	}

	var lastErr error
	for rotation := 0; rotation < c.cfg.MaxKeyRotations; rotation++ {
		lease, err := c.pool.Next(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, eris.Wrap(lastErr, ErrExhausted.Error())
			}
			return nil, err
		}

		resp, err := c.callWithRetry(ctx, c.forKey(lease.Secret), req)
		if err == nil {
			lease.Success(ctx)
			resp.Usage.Log(c.cfg.Model, "analysis")
			return ParseAnalysis(resp.FirstText())
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}

		switch resilience.KindOf(err) {
		case resilience.KindAuthFailed, resilience.KindCredentialExpired:
			lease.Failure(ctx, err)
			zap.L().Warn("rotating off failed credential",
				zap.Int("rotation", rotation+1),
				zap.Error(err))
		case resilience.KindRateLimited:
			lease.Failure(ctx, err)
			if !sleepCtx(ctx, c.cfg.RateLimitDelay) {
				return nil, err
			}
		case resilience.KindTransient:
			// Retries on this key are spent. Report it as throttled so the
			// pool cools the credential down instead of just counting a
			// failure against it.
			lease.Failure(ctx, resilience.Classify(resilience.KindRateLimited, err))
			return nil, err
		default:
			lease.Failure(ctx, err)
			return nil, err
		}
	}

	return nil, eris.Wrap(lastErr, ErrExhausted.Error())
}

// callWithRetry retries transient failures on one key. Empty responses are
// treated as transient but wait twice the normal backoff before the next
// attempt.
func (c *AnalysisClient) callWithRetry(ctx context.Context, client anthropic.Client, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	cfg := c.cfg.Retry
	cfg.ShouldRetry = resilience.IsTransient
	cfg.BackoffScale = func(err error) float64 {
		if eris.Is(err, errEmptyResponse) {
			return 2
		}
		return 1
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := client.CreateMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.FirstText() == "" {
			return nil, resilience.Classify(resilience.KindTransient, errEmptyResponse)
		}
		return resp, nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
