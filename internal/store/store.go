// Package store persists contacts, sync jobs, pipelines, credentials, and
// the dead letter queue behind one interface with Postgres and SQLite
// implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = eris.New("store: not found")

// ContactFilter specifies criteria for listing contacts.
type ContactFilter struct {
	PageID          string   `json:"page_id,omitempty"`
	PlatformUserIDs []string `json:"platform_user_ids,omitempty"`
	PipelineID      string   `json:"pipeline_id,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	Offset          int      `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing sync jobs.
type JobFilter struct {
	PageID string          `json:"page_id,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// AssignMode controls what happens when a contact already has a stage.
type AssignMode string

const (
	// AssignSkipExisting leaves contacts that already sit in a stage alone.
	AssignSkipExisting AssignMode = "skip_existing"
	// AssignUpdateExisting moves contacts regardless of their current stage.
	AssignUpdateExisting AssignMode = "update_existing"
)

// StageAssignment is one contact's pipeline placement to commit.
type StageAssignment struct {
	PageID         string `json:"page_id"`
	PlatformUserID string `json:"platform_user_id"`
	PipelineID     string `json:"pipeline_id"`
	StageID        string `json:"stage_id"`
}

// BatchResult tallies the outcome of a batched write.
type BatchResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// JobStats is an aggregate snapshot over recent sync jobs.
type JobStats struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Active    int     `json:"active"`
	FailRate  float64 `json:"fail_rate"`
}

// Store defines the persistence interface for the sync engine.
type Store interface {
	// Contacts
	GetContact(ctx context.Context, pageID, platformUserID string) (*model.Contact, error)
	ListContacts(ctx context.Context, filter ContactFilter) ([]model.Contact, error)
	BatchUpsertContacts(ctx context.Context, contacts []model.Contact) (*BatchResult, error)
	BatchAssignStages(ctx context.Context, assignments []StageAssignment, mode AssignMode) (*BatchResult, error)
	BatchCreateActivities(ctx context.Context, activities []model.Activity) (*BatchResult, error)

	// Sync jobs
	CreateJob(ctx context.Context, job *model.SyncJob) error
	GetJob(ctx context.Context, jobID string) (*model.SyncJob, error)
	FindActiveJob(ctx context.Context, pageID string) (*model.SyncJob, error)
	UpdateJob(ctx context.Context, job *model.SyncJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.SyncJob, error)
	JobStats(ctx context.Context, lookback time.Duration) (*JobStats, error)

	// Pipelines
	GetPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]model.Pipeline, error)

	// Credentials
	AddCredential(ctx context.Context, cred *model.Credential) error
	ListCredentials(ctx context.Context) ([]model.Credential, error)
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	RecordCredentialSuccess(ctx context.Context, id string) error
	RecordCredentialFailure(ctx context.Context, id string, reason string) error
	DisableCredential(ctx context.Context, id string, reason string) error
	MarkCredentialRateLimited(ctx context.Context, id string) error
	ReactivateCredential(ctx context.Context, id string) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
