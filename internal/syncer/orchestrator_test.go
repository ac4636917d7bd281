package syncer

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/msgcache"
	"github.com/sells-group/contact-sync/internal/resilience"
	"github.com/sells-group/contact-sync/internal/stage"
	"github.com/sells-group/contact-sync/internal/store"
	"github.com/sells-group/contact-sync/pkg/messenger"
)

// fakeSource is an in-memory messenger.Client.
type fakeSource struct {
	mu          sync.Mutex
	convs       []model.Conversation
	transcripts map[string][]model.Message
	msgErrs     map[string]error
	streamErr   error
	afterFirst  func() // invoked after the first conversation is delivered
	msgCalls    map[string]int
}

func (f *fakeSource) StreamConversations(ctx context.Context, pageID string, updatedSince *time.Time, fn func(model.Conversation) error) error {
	for i, c := range f.convs {
		if err := fn(c); err != nil {
			if errors.Is(err, messenger.ErrStopStreaming) {
				return nil
			}
			return err
		}
		if i == 0 && f.afterFirst != nil {
			f.afterFirst()
		}
	}
	return f.streamErr
}

func (f *fakeSource) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgCalls == nil {
		f.msgCalls = make(map[string]int)
	}
	f.msgCalls[conversationID]++
	if err := f.msgErrs[conversationID]; err != nil {
		return nil, err
	}
	return f.transcripts[conversationID], nil
}

// fakeAnalyzer returns a scripted verdict per participant.
type fakeAnalyzer struct {
	mu       sync.Mutex
	verdicts map[string]*model.ContactAnalysis
	errs     map[string]error
	calls    map[string]int
	seen     map[string][]model.Message
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, msgs []model.Message, participantID string, p *model.Pipeline) (*model.ContactAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	if f.seen == nil {
		f.seen = make(map[string][]model.Message)
	}
	f.calls[participantID]++
	f.seen[participantID] = msgs
	if err := f.errs[participantID]; err != nil {
		return nil, err
	}
	if v := f.verdicts[participantID]; v != nil {
		return v, nil
	}
	return &model.ContactAnalysis{Summary: "no verdict", LeadScore: model.NeutralLeadScore}, nil
}

type testStore struct {
	*store.SQLiteStore
	path string
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	st, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return &testStore{SQLiteStore: st, path: path}
}

// seedPipeline writes catalog rows the engine treats as read-only, through a
// throwaway handle on the same database file.
func seedPipeline(t *testing.T, st *testStore) {
	t.Helper()
	db, err := sql.Open("sqlite", st.path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`INSERT INTO pipelines (id, name) VALUES ('p1', 'Sales')`,
		`INSERT INTO pipeline_stages (id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max) VALUES
			('s1', 'p1', 'New Lead', 'cold', 1, 0, 39),
			('s2', 'p1', 'Engaged', 'warm', 2, 40, 69),
			('s3', 'p1', 'Qualified', 'hot', 3, 70, 89),
			('s4', 'p1', 'Negotiating', 'hot', 4, 85, 100)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = st.GetPipeline(context.Background(), "p1")
	require.NoError(t, err)
}

func transcript(participantID, name string, turns int) []model.Message {
	base := time.Now().UTC().Add(-time.Hour)
	msgs := make([]model.Message, 0, turns)
	for i := 0; i < turns; i++ {
		msgs = append(msgs, model.Message{
			ID:        participantID + "-m" + string(rune('0'+i)),
			From:      participantID,
			FromName:  name,
			Text:      "hello there",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

func fastOptions() Options {
	return Options{
		BatchSize:  50,
		PipelineID: "p1",
		FetchRetry: resilience.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		DLQRetryDelay: time.Minute,
	}
}

func newOrchestrator(st store.Store, src *fakeSource, an *fakeAnalyzer, opts Options) *Orchestrator {
	catalog := stage.NewCatalog(func(ctx context.Context, id string) (*model.Pipeline, error) {
		return st.GetPipeline(ctx, id)
	}, 10*time.Minute)
	cache := msgcache.New(100, time.Hour)
	return New(st, src, an, catalog, cache, opts)
}

func TestStartSync_DedupesActiveJob(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(st, &fakeSource{}, &fakeAnalyzer{}, fastOptions())
	ctx := context.Background()

	first, created, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different page gets its own job.
	other, created, err := o.StartSync(ctx, "page-2", model.SyncModeFull, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestStartSync_Validation(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(st, &fakeSource{}, &fakeAnalyzer{}, fastOptions())
	ctx := context.Background()

	_, _, err := o.StartSync(ctx, "page-1", "bogus", nil)
	assert.Error(t, err)

	_, _, err = o.StartSync(ctx, "page-1", model.SyncModeSelected, nil)
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	// One contact already negotiating at stage order 4 with score 85.
	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u-old", FirstName: "Olive", LeadScore: 85, LeadStatus: "hot"},
	})
	require.NoError(t, err)
	_, err = st.BatchAssignStages(ctx, []store.StageAssignment{
		{PageID: "page-1", PlatformUserID: "u-old", PipelineID: "p1", StageID: "s4"},
	}, store.AssignSkipExisting)
	require.NoError(t, err)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u-new1"},
			{ID: "t2", PageID: "page-1", ParticipantID: "u-new2"},
			{ID: "t3", PageID: "page-1", ParticipantID: "u-old"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u-new1", "Jane Roe", 2),
			"t2": transcript("u-new2", "Ken Adams", 3),
			"t3": transcript("u-old", "Olive Oyl", 4),
		},
	}
	an := &fakeAnalyzer{verdicts: map[string]*model.ContactAnalysis{
		"u-new1": {Summary: "just browsing", LeadScore: 20, LeadStatus: "cold"},
		"u-new2": {Summary: "asked for pricing", LeadScore: 70, LeadStatus: "hot"},
		"u-old":  {Summary: "went quiet", LeadScore: 30, LeadStatus: "cold"},
	}}

	o := newOrchestrator(st, src, an, fastOptions())
	job, created, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, o.Run(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.SyncedContacts)
	assert.Zero(t, got.FailedContacts)
	assert.Empty(t, got.Errors)
	require.NotNil(t, got.CompletedAt)

	// New contacts created, named from the transcript, and staged by score.
	c1, err := st.GetContact(ctx, "page-1", "u-new1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", c1.FirstName)
	assert.Equal(t, "Roe", c1.LastName)
	assert.Equal(t, 20, c1.LeadScore)
	assert.Equal(t, "s1", c1.StageID)

	c2, err := st.GetContact(ctx, "page-1", "u-new2")
	require.NoError(t, err)
	assert.Equal(t, 70, c2.LeadScore)
	assert.Equal(t, "s3", c2.StageID)

	// Existing contact keeps its stage: the score-30 proposal lands inside
	// stage s1's range, which is not decisively lower.
	old, err := st.GetContact(ctx, "page-1", "u-old")
	require.NoError(t, err)
	assert.Equal(t, "s4", old.StageID)
	assert.Equal(t, 30, old.LeadScore)
	assert.Equal(t, "went quiet", old.AIContext)
}

func TestRun_TokenExpiredFailsJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
		},
		msgErrs: map[string]error{
			"t1": resilience.Classify(resilience.KindCredentialExpired, errors.New("token expired")),
		},
	}
	o := newOrchestrator(st, src, &fakeAnalyzer{}, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.True(t, got.TokenExpired)
}

func TestRun_TaskFailureIsIsolated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
			{ID: "t2", PageID: "page-1", ParticipantID: "u2"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u1", "Jane Roe", 2),
		},
		msgErrs: map[string]error{
			"t2": resilience.Classify(resilience.KindPermanent, errors.New("conversation deleted")),
		},
	}
	o := newOrchestrator(st, src, &fakeAnalyzer{}, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.SyncedContacts)
	assert.Equal(t, 1, got.FailedContacts)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], "u2")

	// The failed task landed in the dead letter queue.
	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The healthy sibling committed.
	_, err = st.GetContact(ctx, "page-1", "u1")
	assert.NoError(t, err)
}

// assignFailStore fails every stage assignment batch while passing the rest
// of the store through.
type assignFailStore struct {
	store.Store
	err error
}

func (s *assignFailStore) BatchAssignStages(ctx context.Context, assignments []store.StageAssignment, mode store.AssignMode) (*store.BatchResult, error) {
	return nil, s.err
}

func TestRun_AssignmentFailureDeadLetters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u1", "Jane Roe", 2),
		},
	}
	opts := fastOptions()
	opts.DLQRetryDelay = 0
	wrapped := &assignFailStore{Store: st, err: errors.New("stage table locked")}
	o := newOrchestrator(wrapped, src, &fakeAnalyzer{}, opts)

	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	// The contact row itself landed.
	_, err = st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)

	// The task counts failed, not synced, and the placement is queued for replay.
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SyncedContacts)
	assert.Equal(t, 1, got.FailedContacts)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], "assign u1")

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{PageID: "page-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "assign", entries[0].Phase)
	assert.Equal(t, "u1", entries[0].ParticipantID)
}

func TestRun_CancellationStopsNewBatches(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	opts := fastOptions()
	opts.BatchSize = 1

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
			{ID: "t2", PageID: "page-1", ParticipantID: "u2"},
			{ID: "t3", PageID: "page-1", ParticipantID: "u3"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u1", "Jane Roe", 1),
			"t2": transcript("u2", "Ken Adams", 1),
			"t3": transcript("u3", "Ada King", 1),
		},
	}
	o := newOrchestrator(st, src, &fakeAnalyzer{}, opts)
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)

	src.afterFirst = func() {
		require.NoError(t, o.CancelJob(ctx, job.ID))
	}
	require.NoError(t, o.Run(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	// Only the batch dispatched before cancellation was processed.
	assert.LessOrEqual(t, got.SyncedContacts, 1)

	// Later conversations were never fetched.
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Zero(t, src.msgCalls["t3"])
}

func TestCancelJob_TerminalJobRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	o := newOrchestrator(st, &fakeSource{}, &fakeAnalyzer{}, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID)) // empty page completes immediately

	err = o.CancelJob(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed")
}

func TestRun_ContactsOnlySkipsAnalysis(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u1", "Jane Roe", 2),
		},
	}
	an := &fakeAnalyzer{}
	o := newOrchestrator(st, src, an, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeContactsOnly, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", c.FirstName)
	assert.Zero(t, c.LeadScore)
	assert.Empty(t, c.StageID)
	assert.Zero(t, an.calls["u1"])
}

func TestRun_AnalysisOnlyIgnoresUnknownContacts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u-known"},
	})
	require.NoError(t, err)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u-known"},
			{ID: "t2", PageID: "page-1", ParticipantID: "u-stranger"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u-known", "Jane Roe", 2),
			"t2": transcript("u-stranger", "Ken Adams", 2),
		},
	}
	an := &fakeAnalyzer{verdicts: map[string]*model.ContactAnalysis{
		"u-known": {Summary: "warming up", LeadScore: 55, LeadStatus: "warm"},
	}}
	o := newOrchestrator(st, src, an, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeAnalysisOnly, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.SyncedContacts)

	c, err := st.GetContact(ctx, "page-1", "u-known")
	require.NoError(t, err)
	assert.Equal(t, 55, c.LeadScore)

	_, err = st.GetContact(ctx, "page-1", "u-stranger")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, an.calls["u-stranger"])
}

func TestRun_SelectedSubset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	src := &fakeSource{
		convs: []model.Conversation{
			{ID: "t1", PageID: "page-1", ParticipantID: "u1"},
			{ID: "t2", PageID: "page-1", ParticipantID: "u2"},
		},
		transcripts: map[string][]model.Message{
			"t1": transcript("u1", "Jane Roe", 2),
			"t2": transcript("u2", "Ken Adams", 2),
		},
	}
	o := newOrchestrator(st, src, &fakeAnalyzer{}, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeSelected, []string{"u2"})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	_, err = st.GetContact(ctx, "page-1", "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetContact(ctx, "page-1", "u2")
	assert.NoError(t, err)
}

func TestRun_DifferentialSkipsUnchangedTranscripts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	msgs := transcript("u1", "Jane Roe", 2)
	last := model.LastMessageTime(msgs)
	analyzed := last.Add(time.Minute)
	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", AIContextUpdatedAt: &analyzed, AIContext: "old summary", LeadScore: 44},
	})
	require.NoError(t, err)

	src := &fakeSource{
		convs:       []model.Conversation{{ID: "t1", PageID: "page-1", ParticipantID: "u1"}},
		transcripts: map[string][]model.Message{"t1": msgs},
	}
	an := &fakeAnalyzer{}
	o := newOrchestrator(st, src, an, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	// No new messages since the last analysis, so the classifier never ran
	// and the stored verdict survived.
	assert.Zero(t, an.calls["u1"])
	c, err := st.GetContact(ctx, "page-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "old summary", c.AIContext)
	assert.Equal(t, 44, c.LeadScore)
}

func TestRun_DifferentialAnalyzesDeltaOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, st)

	// Five turns, with the stored analysis watermarked at the third.
	msgs := transcript("u1", "Jane Roe", 5)
	analyzed := msgs[2].Timestamp
	_, err := st.BatchUpsertContacts(ctx, []model.Contact{
		{PageID: "page-1", PlatformUserID: "u1", AIContextUpdatedAt: &analyzed, AIContext: "old summary"},
	})
	require.NoError(t, err)

	src := &fakeSource{
		convs:       []model.Conversation{{ID: "t1", PageID: "page-1", ParticipantID: "u1"}},
		transcripts: map[string][]model.Message{"t1": msgs},
	}
	an := &fakeAnalyzer{}
	o := newOrchestrator(st, src, an, fastOptions())
	job, _, err := o.StartSync(ctx, "page-1", model.SyncModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, job.ID))

	// Only the two turns after the watermark reach the classifier.
	require.Equal(t, 1, an.calls["u1"])
	require.Len(t, an.seen["u1"], 2)
	assert.Equal(t, msgs[3].ID, an.seen["u1"][0].ID)
	assert.Equal(t, msgs[4].ID, an.seen["u1"][1].ID)
}
