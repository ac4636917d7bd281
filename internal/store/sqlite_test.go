package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Contacts ---

func TestSQLite_UpsertAndGetContact(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	last := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	res, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", FirstName: "Ada", LastName: "Lovelace", LastInteraction: &last, LeadScore: 60, LeadStatus: "warm"},
		{PageID: "page-1", PlatformUserID: "u2", FirstName: "Alan"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Zero(t, res.Updated)

	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", c.FirstName)
	assert.Equal(t, 60, c.LeadScore)
	require.NotNil(t, c.LastInteraction)
	assert.Equal(t, last.Unix(), c.LastInteraction.Unix())

	// Second upsert with new data updates in place.
	res, err = st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", FirstName: "Ada", LastName: "King", LeadScore: 75, LeadStatus: "hot"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)

	c, err = st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "King", c.LastName)
	assert.Equal(t, 75, c.LeadScore)
}

func TestSQLite_GetContact_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetContact(context.Background(), "page-1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpsertPreservesStagePlacement(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", FirstName: "Ada"},
	})
	require.NoError(t, err)

	res, err := st.BatchAssignStages(ctx, []StageAssignment{
		{PageID: "page-1", PlatformUserID: "u1", PipelineID: "p1", StageID: "s2"},
	}, AssignSkipExisting)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	// Re-syncing the contact must not clear the assignment.
	_, err = st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", FirstName: "Ada", LeadScore: 40},
	})
	require.NoError(t, err)

	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "p1", c.PipelineID)
	assert.Equal(t, "s2", c.StageID)
	assert.NotNil(t, c.StageEnteredAt)
}

func TestSQLite_ListContacts_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1"},
		{PageID: "page-1", PlatformUserID: "u2"},
		{PageID: "page-2", PlatformUserID: "u3"},
	})
	require.NoError(t, err)

	contacts, err := st.ListContacts(ctx, ContactFilter{PageID: "page-1"})
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	contacts, err = st.ListContacts(ctx, ContactFilter{PageID: "page-1", PlatformUserIDs: []string{"u2"}})
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "u2", contacts[0].PlatformUserID)
}

// --- Stage assignment ---

func TestSQLite_BatchAssignStages_Modes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1"},
		{PageID: "page-1", PlatformUserID: "u2"},
	})
	require.NoError(t, err)

	_, err = st.BatchAssignStages(ctx, []StageAssignment{
		{PageID: "page-1", PlatformUserID: "u1", PipelineID: "p1", StageID: "s1"},
	}, AssignSkipExisting)
	require.NoError(t, err)

	// Skip mode leaves u1 alone, stages u2, fails the unknown contact.
	res, err := st.BatchAssignStages(ctx, []StageAssignment{
		{PageID: "page-1", PlatformUserID: "u1", PipelineID: "p1", StageID: "s3"},
		{PageID: "page-1", PlatformUserID: "u2", PipelineID: "p1", StageID: "s3"},
		{PageID: "page-1", PlatformUserID: "ghost", PipelineID: "p1", StageID: "s3"},
	}, AssignSkipExisting)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)

	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.StageID)

	// Update mode moves staged contacts.
	res, err = st.BatchAssignStages(ctx, []StageAssignment{
		{PageID: "page-1", PlatformUserID: "u1", PipelineID: "p1", StageID: "s3"},
	}, AssignUpdateExisting)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	c, err = st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "s3", c.StageID)
}

// --- Activities ---

func TestSQLite_BatchCreateActivities_Dedupes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1"},
	})
	require.NoError(t, err)
	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)

	res, err := st.BatchCreateActivities(ctx, []model.Activity{
		{ContactID: c.ID, Kind: model.ActivityStageAssigned, Detail: "moved to s2", DedupeKey: "job-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	// Replaying the same batch is a no-op.
	res, err = st.BatchCreateActivities(ctx, []model.Activity{
		{ContactID: c.ID, Kind: model.ActivityStageAssigned, Detail: "moved to s2", DedupeKey: "job-1"},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.Skipped)
}

// --- Sync jobs ---

func TestSQLite_JobLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := &model.SyncJob{PageID: "page-1", Mode: model.SyncModeFull}
	require.NoError(t, st.CreateJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)

	active, err := st.FindActiveJob(ctx, "page-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, job.ID, active.ID)

	now := time.Now().UTC()
	job.Status = model.JobStatusInProgress
	job.StartedAt = &now
	job.TotalContacts = 10
	require.NoError(t, st.UpdateJob(ctx, job))

	job.Status = model.JobStatusCompleted
	job.SyncedContacts = 9
	job.FailedContacts = 1
	job.RecordError("analyze failed: u7")
	job.CompletedAt = &now
	require.NoError(t, st.UpdateJob(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 9, got.SyncedContacts)
	assert.Equal(t, []string{"analyze failed: u7"}, got.Errors)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	active, err = st.FindActiveJob(ctx, "page-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSQLite_GetJob_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_JobStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, status := range []model.JobStatus{
		model.JobStatusCompleted, model.JobStatusCompleted,
		model.JobStatusFailed, model.JobStatusInProgress,
	} {
		job := &model.SyncJob{PageID: "page-1", Mode: model.SyncModeFull}
		require.NoError(t, st.CreateJob(ctx, job))
		job.Status = status
		require.NoError(t, st.UpdateJob(ctx, job))
	}

	stats, err := st.JobStats(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Active)
	assert.InDelta(t, 1.0/3.0, stats.FailRate, 1e-9)
}

// --- Pipelines ---

func TestSQLite_GetPipeline(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.db.ExecContext(ctx, `INSERT INTO pipelines (id, name) VALUES ('p1', 'Sales')`)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `INSERT INTO pipeline_stages (id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max) VALUES
		('s2', 'p1', 'Qualified', 'warm', 2, 40, 69),
		('s1', 'p1', 'New Lead', 'cold', 1, 0, 39)`)
	require.NoError(t, err)

	p, err := st.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Sales", p.Name)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "New Lead", p.Stages[0].Name)
	assert.Equal(t, "Qualified", p.Stages[1].Name)

	_, err = st.GetPipeline(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Credentials ---

func TestSQLite_CredentialLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cred := &model.Credential{EncryptedSecret: "sk-test-1"}
	require.NoError(t, st.AddCredential(ctx, cred))
	assert.NotEmpty(t, cred.ID)

	active, err := st.ListActiveCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.CredentialActive, active[0].Status)

	require.NoError(t, st.RecordCredentialFailure(ctx, cred.ID, "timeout"))
	require.NoError(t, st.RecordCredentialFailure(ctx, cred.ID, "timeout"))
	all, err := st.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].ConsecutiveFailures)

	require.NoError(t, st.RecordCredentialSuccess(ctx, cred.ID))
	all, err = st.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Zero(t, all[0].ConsecutiveFailures)
	assert.NotNil(t, all[0].LastSuccessAt)

	require.NoError(t, st.DisableCredential(ctx, cred.ID, "invalid key"))
	active, err = st.ListActiveCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, st.ReactivateCredential(ctx, cred.ID))
	active, err = st.ListActiveCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Empty(t, active[0].DisabledReason)
}

func TestSQLite_RateLimitedCredentialCoolsDown(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cred := &model.Credential{EncryptedSecret: "sk-test-1"}
	require.NoError(t, st.AddCredential(ctx, cred))
	require.NoError(t, st.MarkCredentialRateLimited(ctx, cred.ID))

	active, err := st.ListActiveCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Age the row past the cooldown window.
	stale := time.Now().UTC().Add(-rateLimitCooldown - time.Minute)
	_, err = st.db.ExecContext(ctx, `UPDATE credentials SET updated_at = ? WHERE id = ?`, stale, cred.ID)
	require.NoError(t, err)

	active, err = st.ListActiveCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.CredentialActive, active[0].Status)
}

// --- Dead letter queue ---

func TestSQLite_DLQRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	entry := resilience.DLQEntry{
		JobID: "j1", PageID: "page-1", ParticipantID: "u1",
		Phase: "analyze", Error: "model overloaded", ErrorKind: "transient",
		MaxRetries: 3, NextRetryAt: now.Add(-time.Minute),
		CreatedAt: now, LastFailedAt: now,
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{PageID: "page-1"})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "u1", due[0].ParticipantID)

	// Push the retry out; nothing is due anymore.
	require.NoError(t, st.IncrementDLQRetry(ctx, due[0].ID, now.Add(time.Hour), "still overloaded"))
	due2, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due2)

	require.NoError(t, st.RemoveDLQ(ctx, due[0].ID))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_DLQExhaustedEntriesNotDequeued(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		JobID: "j1", PageID: "page-1", ParticipantID: "u1",
		Error: "permanent failure", ErrorKind: "permanent",
		RetryCount: 3, MaxRetries: 3,
		NextRetryAt: now.Add(-time.Minute), CreatedAt: now, LastFailedAt: now,
	}))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	// Still counted for monitoring even though it will never retry.
	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
