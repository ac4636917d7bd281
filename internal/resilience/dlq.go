package resilience

import (
	"time"
)

// DLQEntry represents a contact task that exhausted its retries and was set
// aside for operator inspection instead of being silently dropped.
type DLQEntry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	PageID        string    `json:"page_id"`
	ParticipantID string    `json:"participant_id"`
	Phase         string    `json:"phase,omitempty"` // fetch | analyze | persist
	Error         string    `json:"error"`
	ErrorKind     string    `json:"error_kind"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	CreatedAt     time.Time `json:"created_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorKind string `json:"error_kind,omitempty"` // a Kind string, or "" for all
	PageID    string `json:"page_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry's backoff window has elapsed.
func (e *DLQEntry) Due(now time.Time) bool {
	return !now.Before(e.NextRetryAt)
}
