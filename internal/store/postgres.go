package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-sync/internal/db"
	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_contact":     `SELECT id, page_id, platform_user_id, first_name, last_name, last_interaction, ai_context, ai_context_updated_at, pipeline_id, stage_id, lead_score, lead_status, stage_entered_at, created_at, updated_at FROM contacts WHERE page_id = $1 AND platform_user_id = $2`,
	"get_job":         `SELECT id, page_id, mode, status, total_contacts, synced_contacts, failed_contacts, errors, token_expired, started_at, completed_at, created_at, updated_at FROM sync_jobs WHERE id = $1`,
	"find_active_job": `SELECT id, page_id, mode, status, total_contacts, synced_contacts, failed_contacts, errors, token_expired, started_at, completed_at, created_at, updated_at FROM sync_jobs WHERE page_id = $1 AND status IN ('pending', 'in_progress') ORDER BY created_at DESC LIMIT 1`,
	"update_job":      `UPDATE sync_jobs SET status = $1, total_contacts = $2, synced_contacts = $3, failed_contacts = $4, errors = $5, token_expired = $6, started_at = $7, completed_at = $8, updated_at = $9 WHERE id = $10`,
	"active_creds":    `SELECT id, secret, status, consecutive_failures, disabled_reason, last_used_at, last_success_at, created_at, updated_at FROM credentials WHERE status = 'active' ORDER BY id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	page_id               TEXT NOT NULL,
	platform_user_id      TEXT NOT NULL,
	first_name            TEXT NOT NULL DEFAULT '',
	last_name             TEXT NOT NULL DEFAULT '',
	last_interaction      TIMESTAMPTZ,
	ai_context            TEXT NOT NULL DEFAULT '',
	ai_context_updated_at TIMESTAMPTZ,
	pipeline_id           TEXT NOT NULL DEFAULT '',
	stage_id              TEXT NOT NULL DEFAULT '',
	lead_score            INTEGER NOT NULL DEFAULT 0,
	lead_status           TEXT NOT NULL DEFAULT '',
	stage_entered_at      TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (page_id, platform_user_id)
);

CREATE INDEX IF NOT EXISTS idx_contacts_page_id ON contacts(page_id);
CREATE INDEX IF NOT EXISTS idx_contacts_pipeline_stage ON contacts(pipeline_id, stage_id);
CREATE INDEX IF NOT EXISTS idx_contacts_last_interaction ON contacts(last_interaction);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	page_id         TEXT NOT NULL,
	mode            TEXT NOT NULL DEFAULT 'full',
	status          TEXT NOT NULL DEFAULT 'pending',
	total_contacts  INTEGER NOT NULL DEFAULT 0,
	synced_contacts INTEGER NOT NULL DEFAULT 0,
	failed_contacts INTEGER NOT NULL DEFAULT 0,
	errors          JSONB NOT NULL DEFAULT '[]',
	token_expired   BOOLEAN NOT NULL DEFAULT false,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_page_status ON sync_jobs(page_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_created_at ON sync_jobs(created_at);

CREATE TABLE IF NOT EXISTS pipelines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_stages (
	id             TEXT PRIMARY KEY,
	pipeline_id    TEXT NOT NULL REFERENCES pipelines(id),
	name           TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	stage_order    INTEGER NOT NULL,
	lead_score_min INTEGER NOT NULL DEFAULT 0,
	lead_score_max INTEGER NOT NULL DEFAULT 100
);

CREATE INDEX IF NOT EXISTS idx_pipeline_stages_pipeline ON pipeline_stages(pipeline_id, stage_order);

CREATE TABLE IF NOT EXISTS credentials (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	secret               TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'active',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	disabled_reason      TEXT NOT NULL DEFAULT '',
	last_used_at         TIMESTAMPTZ,
	last_success_at      TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status);

CREATE TABLE IF NOT EXISTS activities (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (contact_id, kind, dedupe_key)
);

CREATE INDEX IF NOT EXISTS idx_activities_contact ON activities(contact_id);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id         TEXT NOT NULL,
	page_id        TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	phase          TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_kind ON dead_letter_queue(error_kind);
CREATE INDEX IF NOT EXISTS idx_dlq_page ON dead_letter_queue(page_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Contacts

const contactColumns = `id, page_id, platform_user_id, first_name, last_name, last_interaction, ai_context, ai_context_updated_at, pipeline_id, stage_id, lead_score, lead_status, stage_entered_at, created_at, updated_at`

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	err := row.Scan(&c.ID, &c.PageID, &c.PlatformUserID, &c.FirstName, &c.LastName,
		&c.LastInteraction, &c.AIContext, &c.AIContextUpdatedAt, &c.PipelineID,
		&c.StageID, &c.LeadScore, &c.LeadStatus, &c.StageEnteredAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, pageID, platformUserID string) (*model.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE page_id = $1 AND platform_user_id = $2`,
		pageID, platformUserID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get contact %s/%s", pageID, platformUserID)
	}
	return c, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, filter ContactFilter) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PageID != "" {
		query += fmt.Sprintf(` AND page_id = $%d`, argIdx)
		args = append(args, filter.PageID)
		argIdx++
	}
	if len(filter.PlatformUserIDs) > 0 {
		query += fmt.Sprintf(` AND platform_user_id = ANY($%d)`, argIdx)
		args = append(args, filter.PlatformUserIDs)
		argIdx++
	}
	if filter.PipelineID != "" {
		query += fmt.Sprintf(` AND pipeline_id = $%d`, argIdx)
		args = append(args, filter.PipelineID)
		argIdx++
	}
	query += ` ORDER BY last_interaction DESC NULLS LAST`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

// contactUpsertColumns are the columns written by BatchUpsertContacts.
// Pipeline placement is deliberately absent: stage moves go through
// BatchAssignStages so an upsert can never clobber an assignment.
var contactUpsertColumns = []string{
	"id", "page_id", "platform_user_id", "first_name", "last_name",
	"last_interaction", "ai_context", "ai_context_updated_at",
	"lead_score", "lead_status", "created_at", "updated_at",
}

// BatchUpsertContacts inserts new contacts and refreshes existing ones in
// one COPY-backed statement. All contacts in a batch belong to one page.
func (s *PostgresStore) BatchUpsertContacts(ctx context.Context, contacts []model.Contact) (*BatchResult, error) {
	res := &BatchResult{}
	if len(contacts) == 0 {
		return res, nil
	}

	pageID := contacts[0].PageID
	userIDs := make([]string, 0, len(contacts))
	for _, c := range contacts {
		userIDs = append(userIDs, c.PlatformUserID)
	}

	existing := make(map[string]bool, len(contacts))
	rows, err := s.pool.Query(ctx,
		`SELECT platform_user_id FROM contacts WHERE page_id = $1 AND platform_user_id = ANY($2)`,
		pageID, userIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query existing contacts")
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan existing contact id")
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: query existing contacts iterate")
	}

	now := time.Now().UTC()
	data := make([][]any, 0, len(contacts))
	for _, c := range contacts {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		data = append(data, []any{
			id, c.PageID, c.PlatformUserID, c.FirstName, c.LastName,
			c.LastInteraction, c.AIContext, c.AIContextUpdatedAt,
			c.LeadScore, c.LeadStatus, now, now,
		})
		if existing[c.PlatformUserID] {
			res.Updated++
		} else {
			res.Created++
		}
	}

	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "contacts",
		Columns:      contactUpsertColumns,
		ConflictKeys: []string{"page_id", "platform_user_id"},
		UpdateCols: []string{
			"first_name", "last_name", "last_interaction",
			"ai_context", "ai_context_updated_at",
			"lead_score", "lead_status", "updated_at",
		},
	}, data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: batch upsert contacts")
	}
	return res, nil
}

// BatchAssignStages commits pipeline placements. Assignments sharing a
// target stage collapse into one grouped UPDATE. All assignments in a batch
// belong to one page.
func (s *PostgresStore) BatchAssignStages(ctx context.Context, assignments []StageAssignment, mode AssignMode) (*BatchResult, error) {
	res := &BatchResult{}
	if len(assignments) == 0 {
		return res, nil
	}

	pageID := assignments[0].PageID
	userIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		userIDs = append(userIDs, a.PlatformUserID)
	}

	type current struct {
		id      string
		stageID string
	}
	known := make(map[string]current, len(assignments))
	rows, err := s.pool.Query(ctx,
		`SELECT id, platform_user_id, stage_id FROM contacts WHERE page_id = $1 AND platform_user_id = ANY($2)`,
		pageID, userIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query contacts for staging")
	}
	for rows.Next() {
		var id, userID, stageID string
		if err := rows.Scan(&id, &userID, &stageID); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan contact for staging")
		}
		known[userID] = current{id: id, stageID: stageID}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: query contacts for staging iterate")
	}

	now := time.Now().UTC()
	var updates []db.GroupedUpdateRow
	for _, a := range assignments {
		cur, ok := known[a.PlatformUserID]
		if !ok {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("contact not found: %s", a.PlatformUserID))
			continue
		}
		if mode == AssignSkipExisting && cur.stageID != "" {
			res.Skipped++
			continue
		}
		updates = append(updates, db.GroupedUpdateRow{
			Key: cur.id,
			Set: map[string]any{
				"pipeline_id":      a.PipelineID,
				"stage_id":         a.StageID,
				"stage_entered_at": now,
				"updated_at":       now,
			},
		})
	}

	n, err := db.GroupedUpdate(ctx, s.pool, db.GroupedUpdateConfig{
		Table:   "contacts",
		KeyCol:  "id",
		SetCols: []string{"pipeline_id", "stage_id", "stage_entered_at", "updated_at"},
	}, updates)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: batch assign stages")
	}
	res.Updated = int(n)
	return res, nil
}

// BatchCreateActivities inserts audit rows, skipping duplicates by
// (contact_id, kind, dedupe_key). A failed batch statement degrades to
// per-row inserts so one bad row cannot sink the whole batch.
func (s *PostgresStore) BatchCreateActivities(ctx context.Context, activities []model.Activity) (*BatchResult, error) {
	res := &BatchResult{}
	if len(activities) == 0 {
		return res, nil
	}

	now := time.Now().UTC()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO activities (id, contact_id, kind, detail, dedupe_key, created_at) VALUES `)
	args := make([]any, 0, len(activities)*6)
	for i, a := range activities {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		args = append(args, id, a.ContactID, a.Kind, a.Detail, a.DedupeKey, createdAt)
	}
	sb.WriteString(` ON CONFLICT (contact_id, kind, dedupe_key) DO NOTHING`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err == nil {
		res.Created = int(tag.RowsAffected())
		res.Skipped = len(activities) - res.Created
		return res, nil
	}

	// Per-row fallback.
	for _, a := range activities {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		tag, rowErr := s.pool.Exec(ctx,
			`INSERT INTO activities (id, contact_id, kind, detail, dedupe_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (contact_id, kind, dedupe_key) DO NOTHING`,
			id, a.ContactID, a.Kind, a.Detail, a.DedupeKey, createdAt,
		)
		if rowErr != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("activity for %s: %v", a.ContactID, rowErr))
			continue
		}
		if tag.RowsAffected() == 0 {
			res.Skipped++
		} else {
			res.Created++
		}
	}
	return res, nil
}

// Sync jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job errors")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, page_id, mode, status, total_contacts, synced_contacts, failed_contacts, errors, token_expired, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.PageID, string(job.Mode), string(job.Status),
		job.TotalContacts, job.SyncedContacts, job.FailedContacts,
		errorsJSON, job.TokenExpired, job.StartedAt, job.CompletedAt,
		job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert sync job")
}

const jobColumns = `id, page_id, mode, status, total_contacts, synced_contacts, failed_contacts, errors, token_expired, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*model.SyncJob, error) {
	var j model.SyncJob
	var mode, status string
	var errorsJSON []byte
	err := row.Scan(&j.ID, &j.PageID, &mode, &status,
		&j.TotalContacts, &j.SyncedContacts, &j.FailedContacts,
		&errorsJSON, &j.TokenExpired, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Mode = model.SyncMode(mode)
	j.Status = model.JobStatus(status)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job errors")
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

// FindActiveJob returns the page's newest non-terminal job, or nil.
func (s *PostgresStore) FindActiveJob(ctx context.Context, pageID string) (*model.SyncJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs
		 WHERE page_id = $1 AND status IN ('pending', 'in_progress')
		 ORDER BY created_at DESC LIMIT 1`, pageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find active job for page %s", pageID)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.SyncJob) error {
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job errors")
	}
	job.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, total_contacts = $2, synced_contacts = $3, failed_contacts = $4, errors = $5, token_expired = $6, started_at = $7, completed_at = $8, updated_at = $9 WHERE id = $10`,
		string(job.Status), job.TotalContacts, job.SyncedContacts,
		job.FailedContacts, errorsJSON, job.TokenExpired,
		job.StartedAt, job.CompletedAt, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PageID != "" {
		query += fmt.Sprintf(` AND page_id = $%d`, argIdx)
		args = append(args, filter.PageID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) JobStats(ctx context.Context, lookback time.Duration) (*JobStats, error) {
	since := time.Now().UTC().Add(-lookback)
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM sync_jobs WHERE created_at > $1 GROUP BY status`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job stats")
	}
	defer rows.Close()

	stats := &JobStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job stats")
		}
		stats.Total += count
		switch model.JobStatus(status) {
		case model.JobStatusCompleted:
			stats.Completed += count
		case model.JobStatusFailed:
			stats.Failed += count
		case model.JobStatusCancelled:
			stats.Cancelled += count
		case model.JobStatusPending, model.JobStatusInProgress:
			stats.Active += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: job stats iterate")
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.FailRate = float64(stats.Failed) / float64(finished)
	}
	return stats, nil
}

// Pipelines

func (s *PostgresStore) GetPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM pipelines WHERE id = $1`, pipelineID,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get pipeline %s", pipelineID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max
		 FROM pipeline_stages WHERE pipeline_id = $1 ORDER BY stage_order`, pipelineID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stages for pipeline %s", pipelineID)
	}
	defer rows.Close()

	for rows.Next() {
		var st model.Stage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Type,
			&st.Order, &st.LeadScoreMin, &st.LeadScoreMax); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		p.Stages = append(p.Stages, st)
	}
	return &p, eris.Wrap(rows.Err(), "postgres: get stages iterate")
}

func (s *PostgresStore) ListPipelines(ctx context.Context) ([]model.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pipelines")
	}
	defer rows.Close()

	var pipelines []model.Pipeline
	idx := make(map[string]int)
	for rows.Next() {
		var p model.Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pipeline")
		}
		idx[p.ID] = len(pipelines)
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list pipelines iterate")
	}

	stageRows, err := s.pool.Query(ctx,
		`SELECT id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max
		 FROM pipeline_stages ORDER BY pipeline_id, stage_order`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stages")
	}
	defer stageRows.Close()

	for stageRows.Next() {
		var st model.Stage
		if err := stageRows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Type,
			&st.Order, &st.LeadScoreMin, &st.LeadScoreMax); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if i, ok := idx[st.PipelineID]; ok {
			pipelines[i].Stages = append(pipelines[i].Stages, st)
		}
	}
	return pipelines, eris.Wrap(stageRows.Err(), "postgres: list stages iterate")
}

// Credentials

func (s *PostgresStore) AddCredential(ctx context.Context, cred *model.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = model.CredentialActive
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, secret, status, consecutive_failures, disabled_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cred.ID, cred.EncryptedSecret, string(cred.Status),
		cred.ConsecutiveFailures, cred.DisabledReason, now, now,
	)
	return eris.Wrap(err, "postgres: add credential")
}

const credentialColumns = `id, secret, status, consecutive_failures, disabled_reason, last_used_at, last_success_at, created_at, updated_at`

func scanCredentials(rows pgx.Rows) ([]model.Credential, error) {
	defer rows.Close()
	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var status string
		if err := rows.Scan(&c.ID, &c.EncryptedSecret, &status,
			&c.ConsecutiveFailures, &c.DisabledReason,
			&c.LastUsedAt, &c.LastSuccessAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan credential")
		}
		c.Status = model.CredentialStatus(status)
		creds = append(creds, c)
	}
	return creds, eris.Wrap(rows.Err(), "postgres: scan credentials iterate")
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list credentials")
	}
	return scanCredentials(rows)
}

// rateLimitCooldown is how long a throttled credential sits out before the
// next active-set read puts it back in rotation.
const rateLimitCooldown = 15 * time.Minute

func (s *PostgresStore) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	// Self-healing read: throttled keys whose cooldown elapsed come back.
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = 'active', updated_at = now()
		 WHERE status = 'rate_limited' AND updated_at <= now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(rateLimitCooldown.Seconds())),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reactivate rate-limited credentials")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active credentials")
	}
	return scanCredentials(rows)
}

func (s *PostgresStore) RecordCredentialSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET consecutive_failures = 0, last_used_at = now(), last_success_at = now(), updated_at = now() WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "postgres: record credential success %s", id)
}

func (s *PostgresStore) RecordCredentialFailure(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET consecutive_failures = consecutive_failures + 1, last_used_at = now(), updated_at = now() WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "postgres: record credential failure %s", id)
}

func (s *PostgresStore) DisableCredential(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = 'disabled', disabled_reason = $1, updated_at = now() WHERE id = $2`,
		reason, id,
	)
	return eris.Wrapf(err, "postgres: disable credential %s", id)
}

func (s *PostgresStore) MarkCredentialRateLimited(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = 'rate_limited', updated_at = now() WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "postgres: mark credential rate limited %s", id)
}

func (s *PostgresStore) ReactivateCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = 'active', consecutive_failures = 0, disabled_reason = '', updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reactivate credential %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("credential not found: %s", id)
	}
	return nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, page_id, participant_id, phase, error, error_kind, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $6, error_kind = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.JobID, entry.PageID, entry.ParticipantID,
		entry.Phase, entry.Error, entry.ErrorKind,
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job_id, page_id, participant_id, phase, error, error_kind, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorKind != "" {
		query += fmt.Sprintf(` AND error_kind = $%d`, argIdx)
		args = append(args, filter.ErrorKind)
		argIdx++
	}
	if filter.PageID != "" {
		query += fmt.Sprintf(` AND page_id = $%d`, argIdx)
		args = append(args, filter.PageID)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.PageID, &e.ParticipantID,
			&e.Phase, &e.Error, &e.ErrorKind, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
