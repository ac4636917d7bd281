package model

import "time"

// JobStatus represents the current state of a sync job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// MaxJobErrors bounds the error list persisted on a job row so a pathological
// page cannot grow the row without limit. Overflow is summarized in the last slot.
const MaxJobErrors = 100

// SyncJob is the status row for one sync run over a page. It is the sole
// progress channel for polling clients: counts increment as batches commit
// and the status turns terminal exactly once.
type SyncJob struct {
	ID             string     `json:"id"`
	PageID         string     `json:"page_id"`
	Mode           SyncMode   `json:"mode"`
	Status         JobStatus  `json:"status"`
	TotalContacts  int        `json:"total_contacts"`
	SyncedContacts int        `json:"synced_contacts"`
	FailedContacts int        `json:"failed_contacts"`
	Errors         []string   `json:"errors,omitempty"`
	TokenExpired   bool       `json:"token_expired"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RecordError appends a unit-level error to the job's bounded error list.
func (j *SyncJob) RecordError(msg string) {
	if len(j.Errors) >= MaxJobErrors {
		j.Errors[MaxJobErrors-1] = "error list truncated"
		return
	}
	j.Errors = append(j.Errors, msg)
}

// SyncMode selects which stages of the per-contact pipeline run.
type SyncMode string

const (
	// SyncModeFull fetches transcripts, analyzes them, and assigns stages.
	SyncModeFull SyncMode = "full"
	// SyncModeContactsOnly upserts contacts without AI analysis or staging.
	SyncModeContactsOnly SyncMode = "contacts_only"
	// SyncModeAnalysisOnly re-analyzes transcripts for known contacts without creating new ones.
	SyncModeAnalysisOnly SyncMode = "analysis_only"
	// SyncModeSelected processes only an explicit subset of contacts.
	SyncModeSelected SyncMode = "selected"
)

// Valid reports whether m is a known sync mode.
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeFull, SyncModeContactsOnly, SyncModeAnalysisOnly, SyncModeSelected:
		return true
	default:
		return false
	}
}
