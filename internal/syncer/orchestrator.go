// Package syncer runs sync jobs: it streams conversations from the
// messaging source, fans per-contact work out through bounded worker pools,
// and commits results in grouped batch writes. The sync_jobs row is the only
// progress channel; everything else is in-process state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contact-sync/internal/classifier"
	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/msgcache"
	"github.com/sells-group/contact-sync/internal/resilience"
	"github.com/sells-group/contact-sync/internal/stage"
	"github.com/sells-group/contact-sync/internal/store"
	"github.com/sells-group/contact-sync/internal/worker"
	"github.com/sells-group/contact-sync/pkg/messenger"
)

// Analyzer scores a transcript. Satisfied by classifier.AnalysisClient.
type Analyzer interface {
	Analyze(ctx context.Context, msgs []model.Message, participantID string, p *model.Pipeline) (*model.ContactAnalysis, error)
}

// Options tunes a sync run.
type Options struct {
	// BatchSize is how many accumulated conversations trigger a batch
	// dispatch while streaming continues.
	BatchSize int
	// FetchWorkers bounds concurrent transcript fetches.
	FetchWorkers int
	// AnalyzeWorkers bounds concurrent classifier calls.
	AnalyzeWorkers int
	// PipelineID is the pipeline contacts are staged into. Empty disables
	// stage assignment.
	PipelineID string
	// AssignMode controls whether already-staged contacts are re-evaluated.
	AssignMode store.AssignMode
	// DowngradeMargin widens the anti-downgrade score test.
	DowngradeMargin int
	// MaxDLQRetries caps replay attempts for dead-lettered tasks.
	MaxDLQRetries int
	// DLQRetryDelay is the initial backoff before a dead-lettered task
	// becomes due again.
	DLQRetryDelay time.Duration
	// FetchRetry configures the per-fetch retry cycle.
	FetchRetry resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FetchWorkers <= 0 {
		o.FetchWorkers = 10
	}
	if o.AnalyzeWorkers <= 0 {
		o.AnalyzeWorkers = 10
	}
	if o.AssignMode == "" {
		o.AssignMode = store.AssignUpdateExisting
	}
	if o.MaxDLQRetries <= 0 {
		o.MaxDLQRetries = 3
	}
	if o.DLQRetryDelay <= 0 {
		o.DLQRetryDelay = 5 * time.Minute
	}
	return o
}

// Orchestrator drives sync jobs end to end.
type Orchestrator struct {
	store     store.Store
	source    messenger.Client
	analyzer  Analyzer
	pipelines *stage.Catalog
	cache     *msgcache.Cache
	fetchers  *worker.Limiter
	analyzers *worker.Limiter
	opts      Options

	mu       sync.Mutex
	selected map[string][]string // jobID -> participant subset for SELECTED runs
}

// New wires an Orchestrator. cache may be nil to disable transcript caching.
func New(st store.Store, source messenger.Client, analyzer Analyzer, pipelines *stage.Catalog, cache *msgcache.Cache, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:     st,
		source:    source,
		analyzer:  analyzer,
		pipelines: pipelines,
		cache:     cache,
		fetchers:  worker.NewLimiter(opts.FetchWorkers),
		analyzers: worker.NewLimiter(opts.AnalyzeWorkers),
		opts:      opts,
		selected:  make(map[string][]string),
	}
}

// StartSync creates a job for the page, or returns the page's existing
// non-terminal job. The second return reports whether a new job was created;
// callers run new jobs via Run.
func (o *Orchestrator) StartSync(ctx context.Context, pageID string, mode model.SyncMode, selected []string) (*model.SyncJob, bool, error) {
	if !mode.Valid() {
		return nil, false, eris.Errorf("syncer: invalid sync mode %q", mode)
	}
	if mode == model.SyncModeSelected && len(selected) == 0 {
		return nil, false, eris.New("syncer: selected mode requires participant ids")
	}

	active, err := o.store.FindActiveJob(ctx, pageID)
	if err != nil {
		return nil, false, eris.Wrap(err, "syncer: check active job")
	}
	if active != nil {
		return active, false, nil
	}

	job := &model.SyncJob{PageID: pageID, Mode: mode}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, false, eris.Wrap(err, "syncer: create job")
	}
	if mode == model.SyncModeSelected {
		o.mu.Lock()
		o.selected[job.ID] = selected
		o.mu.Unlock()
	}
	return job, true, nil
}

// CancelJob moves a non-terminal job to CANCELLED. The running orchestrator
// notices at its next poll point and stops issuing work.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "syncer: load job %s", jobID)
	}
	if job.Status.Terminal() {
		return eris.Errorf("syncer: job %s already %s", jobID, job.Status)
	}
	now := time.Now().UTC()
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	return eris.Wrap(o.store.UpdateJob(ctx, job), "syncer: cancel job")
}

// run carries the mutable state of one executing job.
type run struct {
	job          *model.SyncJob
	pipeline     *model.Pipeline
	selectedSet  map[string]bool
	breaker      *resilience.CircuitBreaker
	mu           sync.Mutex
	wg           sync.WaitGroup
	tokenExpired atomic.Bool
	cancelled    atomic.Bool
}

// Run executes a job to a terminal status. Unit-level failures are recorded
// on the job; only a failure to list conversations at all, or an expired
// source credential, fails the whole job.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "syncer: load job %s", jobID)
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	job.Status = model.JobStatusInProgress
	job.StartedAt = &now
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return eris.Wrap(err, "syncer: mark job in progress")
	}

	// One breaker per run: a dead upstream fails the page's remaining
	// fetches fast instead of burning the fetch pool on timeouts.
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("fetch circuit state changed",
			zap.String("job_id", job.ID),
			zap.String("from", from.String()), zap.String("to", to.String()))
	}

	r := &run{job: job, breaker: resilience.NewCircuitBreaker(breakerCfg)}
	o.mu.Lock()
	if ids, ok := o.selected[jobID]; ok {
		r.selectedSet = make(map[string]bool, len(ids))
		for _, id := range ids {
			r.selectedSet[id] = true
		}
		delete(o.selected, jobID)
	}
	o.mu.Unlock()

	if o.opts.PipelineID != "" && o.pipelines != nil && job.Mode != model.SyncModeContactsOnly {
		p, err := o.pipelines.Get(ctx, o.opts.PipelineID)
		if err != nil {
			zap.L().Warn("pipeline unavailable, stage assignment disabled",
				zap.String("pipeline_id", o.opts.PipelineID), zap.Error(err))
		} else {
			r.pipeline = p
		}
	}

	streamErr := o.streamAndProcess(ctx, r)
	r.wg.Wait()

	return o.finalize(ctx, r, streamErr)
}

func (o *Orchestrator) streamAndProcess(ctx context.Context, r *run) error {
	var batch []model.Conversation
	flush := func() {
		tasks := batch
		batch = nil
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			o.processBatch(ctx, r, tasks)
		}()
	}

	err := o.source.StreamConversations(ctx, r.job.PageID, nil, func(c model.Conversation) error {
		if r.selectedSet != nil && !r.selectedSet[c.ParticipantID] {
			return nil
		}
		batch = append(batch, c)
		if len(batch) >= o.opts.BatchSize {
			if o.pollCancelled(ctx, r) {
				return messenger.ErrStopStreaming
			}
			flush()
		}
		return nil
	})
	if err != nil {
		if resilience.IsCredentialExpired(err) {
			r.tokenExpired.Store(true)
		}
		return err
	}
	if len(batch) > 0 && !o.pollCancelled(ctx, r) {
		flush()
	}
	return nil
}

// pollCancelled re-reads the job row so an external CancelJob takes effect
// between batches. A read failure is treated as not-cancelled.
func (o *Orchestrator) pollCancelled(ctx context.Context, r *run) bool {
	if r.cancelled.Load() {
		return true
	}
	cur, err := o.store.GetJob(ctx, r.job.ID)
	if err != nil {
		zap.L().Warn("cancellation poll failed", zap.String("job_id", r.job.ID), zap.Error(err))
		return false
	}
	if cur.Status == model.JobStatusCancelled {
		r.cancelled.Store(true)
		return true
	}
	return false
}

type taskResult struct {
	participantID string
	contact       *model.Contact
	assignment    *store.StageAssignment
	assignDetail  string
	phase         string
	err           error
}

func (o *Orchestrator) processBatch(ctx context.Context, r *run, convs []model.Conversation) {
	results := make([]taskResult, len(convs))
	g := new(errgroup.Group)
	for i, conv := range convs {
		g.Go(func() error {
			results[i] = o.processTask(ctx, r, conv)
			return nil
		})
	}
	_ = g.Wait()
	o.commitBatch(ctx, r, results)
}

func (o *Orchestrator) processTask(ctx context.Context, r *run, conv model.Conversation) taskResult {
	res := taskResult{participantID: conv.ParticipantID}
	if r.tokenExpired.Load() {
		// Every remaining fetch would fail the same way.
		res.phase = "fetch"
		res.err = resilience.Classify(resilience.KindCredentialExpired, eris.New("source credential expired"))
		return res
	}

	existing, err := o.store.GetContact(ctx, r.job.PageID, conv.ParticipantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		res.phase = "persist"
		res.err = err
		return res
	}
	if r.job.Mode == model.SyncModeAnalysisOnly && existing == nil {
		// Analysis-only runs never mint contacts.
		return res
	}

	msgs, err := o.fetchTranscript(ctx, r, conv)
	if err != nil {
		if resilience.IsCredentialExpired(err) {
			r.tokenExpired.Store(true)
		}
		res.phase = "fetch"
		res.err = err
		return res
	}

	c := model.Contact{PageID: r.job.PageID, PlatformUserID: conv.ParticipantID}
	if existing != nil {
		c = *existing
	}
	if name := model.DisplayNameFromTranscript(msgs, conv.ParticipantID); name != "" {
		c.FirstName, c.LastName = model.SplitDisplayName(name)
	}
	if last := model.LastMessageTime(msgs); !last.IsZero() {
		c.LastInteraction = &last
	}
	res.contact = &c

	if r.job.Mode == model.SyncModeContactsOnly {
		return res
	}
	// Previously-synced contacts are re-analyzed on their delta only; the
	// older turns already fed the stored summary.
	toAnalyze := msgs
	if existing != nil {
		fresh := msgcache.FilterNew(msgs, existing.LastSyncedAt())
		if len(fresh) == 0 {
			// Nothing new since the last analysis; refresh the contact row only.
			return res
		}
		toAnalyze = fresh
	}

	analysis := o.analyze(ctx, toAnalyze, conv.ParticipantID, r.pipeline)
	now := time.Now().UTC()
	c.LeadScore = analysis.LeadScore
	c.LeadStatus = analysis.LeadStatus
	c.AIContext = analysis.Summary
	c.AIContextUpdatedAt = &now

	if r.pipeline != nil {
		d := stage.Decide(existing, r.pipeline, stage.MatchInput{
			LeadScore:        analysis.LeadScore,
			LeadStatus:       analysis.LeadStatus,
			RecommendedStage: analysis.RecommendedStage,
		}, stage.Options{DowngradeMargin: o.opts.DowngradeMargin})
		if d.Stage != nil && !d.Skipped {
			res.assignment = &store.StageAssignment{
				PageID:         r.job.PageID,
				PlatformUserID: conv.ParticipantID,
				PipelineID:     r.pipeline.ID,
				StageID:        d.Stage.ID,
			}
			res.assignDetail = fmt.Sprintf("assigned to %s (score %d)", d.Stage.Name, analysis.LeadScore)
		}
	}
	return res
}

func (o *Orchestrator) fetchTranscript(ctx context.Context, r *run, conv model.Conversation) ([]model.Message, error) {
	if o.cache != nil {
		if msgs := o.cache.Get(conv.ID); msgs != nil {
			return msgs, nil
		}
	}
	msgs, err := worker.ExecuteVal(ctx, o.fetchers, func(ctx context.Context) ([]model.Message, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]model.Message, error) {
			return resilience.DoVal(ctx, o.opts.FetchRetry, func(ctx context.Context) ([]model.Message, error) {
				return o.source.GetMessages(ctx, conv.ID)
			})
		})
	})
	if eris.Is(err, resilience.ErrCircuitOpen) {
		// The upstream will come back; let the retry machinery treat the
		// rejected call like any other transient fetch failure.
		return nil, resilience.Classify(resilience.KindTransient, err)
	}
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Put(conv.ID, msgs, model.LastMessageTime(msgs))
	}
	return msgs, nil
}

// analyze scores a transcript, degrading to the rule-based score when the
// classifier is unavailable. Classifier failure is never a task failure.
func (o *Orchestrator) analyze(ctx context.Context, msgs []model.Message, participantID string, p *model.Pipeline) *model.ContactAnalysis {
	a, err := worker.ExecuteVal(ctx, o.analyzers, func(ctx context.Context) (*model.ContactAnalysis, error) {
		return o.analyzer.Analyze(ctx, msgs, participantID, p)
	})
	if err != nil {
		zap.L().Warn("analysis failed, using rule-based fallback",
			zap.String("participant_id", participantID), zap.Error(err))
		return classifier.FallbackAnalysis(msgs, participantID)
	}
	return a
}

func (o *Orchestrator) commitBatch(ctx context.Context, r *run, results []taskResult) {
	var contacts []model.Contact
	var assignments []store.StageAssignment
	details := make(map[string]string)
	var failed []taskResult
	for _, res := range results {
		if res.err != nil {
			failed = append(failed, res)
			continue
		}
		if res.contact != nil {
			contacts = append(contacts, *res.contact)
		}
		if res.assignment != nil {
			assignments = append(assignments, *res.assignment)
			details[res.participantID] = res.assignDetail
		}
	}

	synced := 0
	if len(contacts) > 0 {
		if _, err := o.store.BatchUpsertContacts(ctx, contacts); err != nil {
			// The whole write failed; every task in it is a unit failure.
			for _, res := range results {
				if res.err == nil && res.contact != nil {
					failed = append(failed, taskResult{
						participantID: res.participantID,
						phase:         "persist",
						err:           err,
					})
				}
			}
			contacts = nil
		} else {
			synced = len(contacts)
		}
	}

	if len(contacts) > 0 && len(assignments) > 0 {
		if _, err := o.store.BatchAssignStages(ctx, assignments, o.opts.AssignMode); err != nil {
			zap.L().Error("stage assignment batch failed",
				zap.String("job_id", r.job.ID), zap.Error(err))
			// The contact rows landed but their placements did not. Count
			// those tasks failed and dead-letter them so a replay re-runs
			// the assignment.
			for _, res := range results {
				if res.err == nil && res.assignment != nil {
					failed = append(failed, taskResult{
						participantID: res.participantID,
						phase:         "assign",
						err:           err,
					})
					if res.contact != nil {
						synced--
					}
				}
			}
		} else {
			o.recordActivities(ctx, r, assignments, details)
		}
	}

	o.recordFailures(ctx, r, failed)
	o.persistProgress(ctx, r, synced+countSkipped(results), len(failed))
}

// countSkipped counts tasks that completed with nothing to write, such as
// unknown contacts in an analysis-only run. They still count as synced so
// the totals reconcile.
func countSkipped(results []taskResult) int {
	n := 0
	for _, res := range results {
		if res.err == nil && res.contact == nil {
			n++
		}
	}
	return n
}

// recordActivities writes the audit trail for committed assignments. The
// job ID doubles as the dedupe key so a replayed batch stays idempotent.
func (o *Orchestrator) recordActivities(ctx context.Context, r *run, assignments []store.StageAssignment, details map[string]string) {
	userIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		userIDs = append(userIDs, a.PlatformUserID)
	}
	contacts, err := o.store.ListContacts(ctx, store.ContactFilter{
		PageID:          r.job.PageID,
		PlatformUserIDs: userIDs,
		Limit:           len(userIDs),
	})
	if err != nil {
		zap.L().Warn("activity lookup failed", zap.String("job_id", r.job.ID), zap.Error(err))
		return
	}

	activities := make([]model.Activity, 0, len(contacts))
	for _, c := range contacts {
		activities = append(activities, model.Activity{
			ContactID: c.ID,
			Kind:      model.ActivityStageAssigned,
			Detail:    details[c.PlatformUserID],
			DedupeKey: r.job.ID,
		})
	}
	if _, err := o.store.BatchCreateActivities(ctx, activities); err != nil {
		zap.L().Warn("activity batch failed", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) recordFailures(ctx context.Context, r *run, failed []taskResult) {
	now := time.Now().UTC()
	for _, res := range failed {
		r.recordError(fmt.Sprintf("%s %s: %v", res.phase, res.participantID, res.err))
		entry := resilience.DLQEntry{
			JobID:         r.job.ID,
			PageID:        r.job.PageID,
			ParticipantID: res.participantID,
			Phase:         res.phase,
			Error:         res.err.Error(),
			ErrorKind:     resilience.KindOf(res.err).String(),
			MaxRetries:    o.opts.MaxDLQRetries,
			NextRetryAt:   now.Add(o.opts.DLQRetryDelay),
			CreatedAt:     now,
			LastFailedAt:  now,
		}
		if err := o.store.EnqueueDLQ(ctx, entry); err != nil {
			zap.L().Warn("dead letter enqueue failed",
				zap.String("job_id", r.job.ID),
				zap.String("participant_id", res.participantID), zap.Error(err))
		}
	}
}

func (r *run) recordError(msg string) {
	r.mu.Lock()
	r.job.RecordError(msg)
	r.mu.Unlock()
}

// persistProgress bumps the job counters and writes the row best-effort; a
// failed progress write never aborts processing.
func (o *Orchestrator) persistProgress(ctx context.Context, r *run, synced, failed int) {
	r.mu.Lock()
	r.job.SyncedContacts += synced
	r.job.FailedContacts += failed
	r.job.TotalContacts = r.job.SyncedContacts + r.job.FailedContacts
	snapshot := *r.job
	r.mu.Unlock()

	if r.cancelled.Load() {
		// The cancelled row is terminal; progress stops incrementing.
		return
	}
	if err := o.store.UpdateJob(ctx, &snapshot); err != nil {
		zap.L().Warn("progress write failed", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, streamErr error) error {
	cur, err := o.store.GetJob(ctx, r.job.ID)
	if err == nil && cur.Status == model.JobStatusCancelled {
		r.cancelled.Store(true)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.CompletedAt = &now

	switch {
	case r.cancelled.Load():
		// A late progress write may have clobbered the cancelled row, so the
		// terminal status is reasserted here with the final counts.
		r.job.Status = model.JobStatusCancelled
	case r.tokenExpired.Load():
		r.job.Status = model.JobStatusFailed
		r.job.TokenExpired = true
		r.job.RecordError("source credential expired")
	case streamErr != nil:
		r.job.Status = model.JobStatusFailed
		r.job.RecordError(fmt.Sprintf("list conversations: %v", streamErr))
	default:
		r.job.Status = model.JobStatusCompleted
	}

	if err := o.store.UpdateJob(ctx, r.job); err != nil {
		return eris.Wrapf(err, "syncer: finalize job %s", r.job.ID)
	}
	zap.L().Info("sync job finished",
		zap.String("job_id", r.job.ID),
		zap.String("page_id", r.job.PageID),
		zap.String("status", string(r.job.Status)),
		zap.Int("synced", r.job.SyncedContacts),
		zap.Int("failed", r.job.FailedContacts))
	if streamErr != nil && !r.tokenExpired.Load() {
		return eris.Wrap(streamErr, "syncer: conversation stream")
	}
	return nil
}
