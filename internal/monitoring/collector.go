package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Sync job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsActive    int     `json:"jobs_active"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Classifier credential health.
	CredentialsActive      int `json:"credentials_active"`
	CredentialsRateLimited int `json:"credentials_rate_limited"`
	CredentialsDisabled    int `json:"credentials_disabled"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	stats, err := c.store.JobStats(ctx, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}
	snap.JobsTotal = stats.Total
	snap.JobsCompleted = stats.Completed
	snap.JobsFailed = stats.Failed
	snap.JobsCancelled = stats.Cancelled
	snap.JobsActive = stats.Active
	snap.JobFailRate = stats.FailRate

	depth, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: dlq depth")
	}
	snap.DLQDepth = depth

	creds, err := c.store.ListCredentials(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list credentials")
	}
	for _, cred := range creds {
		switch cred.Status {
		case model.CredentialActive:
			snap.CredentialsActive++
		case model.CredentialRateLimited:
			snap.CredentialsRateLimited++
		case model.CredentialDisabled:
			snap.CredentialsDisabled++
		}
	}

	return snap, nil
}
