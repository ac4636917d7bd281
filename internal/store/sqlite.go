package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It trades the
// COPY-backed batch paths for per-row statements, which is fine at the
// volumes a single-page deployment sees.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id                    TEXT PRIMARY KEY,
	page_id               TEXT NOT NULL,
	platform_user_id      TEXT NOT NULL,
	first_name            TEXT NOT NULL DEFAULT '',
	last_name             TEXT NOT NULL DEFAULT '',
	last_interaction      DATETIME,
	ai_context            TEXT NOT NULL DEFAULT '',
	ai_context_updated_at DATETIME,
	pipeline_id           TEXT NOT NULL DEFAULT '',
	stage_id              TEXT NOT NULL DEFAULT '',
	lead_score            INTEGER NOT NULL DEFAULT 0,
	lead_status           TEXT NOT NULL DEFAULT '',
	stage_entered_at      DATETIME,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	UNIQUE (page_id, platform_user_id)
);

CREATE INDEX IF NOT EXISTS idx_contacts_page_id ON contacts(page_id);
CREATE INDEX IF NOT EXISTS idx_contacts_pipeline_stage ON contacts(pipeline_id, stage_id);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id              TEXT PRIMARY KEY,
	page_id         TEXT NOT NULL,
	mode            TEXT NOT NULL DEFAULT 'full',
	status          TEXT NOT NULL DEFAULT 'pending',
	total_contacts  INTEGER NOT NULL DEFAULT 0,
	synced_contacts INTEGER NOT NULL DEFAULT 0,
	failed_contacts INTEGER NOT NULL DEFAULT 0,
	errors          TEXT NOT NULL DEFAULT '[]',
	token_expired   INTEGER NOT NULL DEFAULT 0,
	started_at      DATETIME,
	completed_at    DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_page_status ON sync_jobs(page_id, status);

CREATE TABLE IF NOT EXISTS pipelines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
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
	id                   TEXT PRIMARY KEY,
	secret               TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'active',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	disabled_reason      TEXT NOT NULL DEFAULT '',
	last_used_at         DATETIME,
	last_success_at      DATETIME,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id         TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE (contact_id, kind, dedupe_key)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL,
	page_id        TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	phase          TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Contacts

func scanContactRow(row scannable) (*model.Contact, error) {
	var c model.Contact
	var lastInteraction, aiUpdatedAt, stageEnteredAt sql.NullTime
	err := row.Scan(&c.ID, &c.PageID, &c.PlatformUserID, &c.FirstName, &c.LastName,
		&lastInteraction, &c.AIContext, &aiUpdatedAt, &c.PipelineID, &c.StageID,
		&c.LeadScore, &c.LeadStatus, &stageEnteredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.LastInteraction = timePtr(lastInteraction)
	c.AIContextUpdatedAt = timePtr(aiUpdatedAt)
	c.StageEnteredAt = timePtr(stageEnteredAt)
	return &c, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, pageID, platformUserID string) (*model.Contact, error) {
	c, err := scanContactRow(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE page_id = ? AND platform_user_id = ?`,
		pageID, platformUserID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get contact %s/%s", pageID, platformUserID)
	}
	return c, nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context, filter ContactFilter) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE 1=1`
	args := []any{}

	if filter.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, filter.PageID)
	}
	if len(filter.PlatformUserIDs) > 0 {
		query += ` AND platform_user_id IN (?` + strings.Repeat(", ?", len(filter.PlatformUserIDs)-1) + `)`
		for _, id := range filter.PlatformUserIDs {
			args = append(args, id)
		}
	}
	if filter.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, filter.PipelineID)
	}
	query += ` ORDER BY last_interaction DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContactRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) BatchUpsertContacts(ctx context.Context, contacts []model.Contact) (*BatchResult, error) {
	res := &BatchResult{}
	if len(contacts) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contacts {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM contacts WHERE page_id = ? AND platform_user_id = ?`,
			c.PageID, c.PlatformUserID,
		).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id := c.ID
			if id == "" {
				id = uuid.New().String()
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO contacts (id, page_id, platform_user_id, first_name, last_name, last_interaction, ai_context, ai_context_updated_at, lead_score, lead_status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, c.PageID, c.PlatformUserID, c.FirstName, c.LastName,
				nullTime(c.LastInteraction), c.AIContext, nullTime(c.AIContextUpdatedAt),
				c.LeadScore, c.LeadStatus, now, now,
			)
			if err != nil {
				return nil, eris.Wrap(err, "sqlite: insert contact")
			}
			res.Created++
		case err != nil:
			return nil, eris.Wrap(err, "sqlite: lookup contact")
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE contacts SET first_name = ?, last_name = ?, last_interaction = ?, ai_context = ?, ai_context_updated_at = ?, lead_score = ?, lead_status = ?, updated_at = ?
				 WHERE id = ?`,
				c.FirstName, c.LastName, nullTime(c.LastInteraction),
				c.AIContext, nullTime(c.AIContextUpdatedAt),
				c.LeadScore, c.LeadStatus, now, existingID,
			)
			if err != nil {
				return nil, eris.Wrap(err, "sqlite: update contact")
			}
			res.Updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert tx")
	}
	return res, nil
}

func (s *SQLiteStore) BatchAssignStages(ctx context.Context, assignments []StageAssignment, mode AssignMode) (*BatchResult, error) {
	res := &BatchResult{}
	if len(assignments) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin staging tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, a := range assignments {
		var id, stageID string
		err := tx.QueryRowContext(ctx,
			`SELECT id, stage_id FROM contacts WHERE page_id = ? AND platform_user_id = ?`,
			a.PageID, a.PlatformUserID,
		).Scan(&id, &stageID)
		if errors.Is(err, sql.ErrNoRows) {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("contact not found: %s", a.PlatformUserID))
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup contact for staging")
		}
		if mode == AssignSkipExisting && stageID != "" {
			res.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE contacts SET pipeline_id = ?, stage_id = ?, stage_entered_at = ?, updated_at = ? WHERE id = ?`,
			a.PipelineID, a.StageID, now, now, id,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: assign stage")
		}
		res.Updated++
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit staging tx")
	}
	return res, nil
}

func (s *SQLiteStore) BatchCreateActivities(ctx context.Context, activities []model.Activity) (*BatchResult, error) {
	res := &BatchResult{}
	now := time.Now().UTC()
	for _, a := range activities {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		r, err := s.db.ExecContext(ctx,
			`INSERT INTO activities (id, contact_id, kind, detail, dedupe_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (contact_id, kind, dedupe_key) DO NOTHING`,
			id, a.ContactID, a.Kind, a.Detail, a.DedupeKey, createdAt,
		)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("activity for %s: %v", a.ContactID, err))
			continue
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			res.Skipped++
		} else {
			res.Created++
		}
	}
	return res, nil
}

// Sync jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.SyncJob) error {
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
		return eris.Wrap(err, "sqlite: marshal job errors")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, page_id, mode, status, total_contacts, synced_contacts, failed_contacts, errors, token_expired, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PageID, string(job.Mode), string(job.Status),
		job.TotalContacts, job.SyncedContacts, job.FailedContacts,
		string(errorsJSON), job.TokenExpired,
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert sync job")
}

func scanJobRow(row scannable) (*model.SyncJob, error) {
	var j model.SyncJob
	var mode, status, errorsJSON string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.PageID, &mode, &status,
		&j.TotalContacts, &j.SyncedContacts, &j.FailedContacts,
		&errorsJSON, &j.TokenExpired, &startedAt, &completedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Mode = model.SyncMode(mode)
	j.Status = model.JobStatus(status)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	if errorsJSON != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &j.Errors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job errors")
		}
	}
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	j, err := scanJobRow(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) FindActiveJob(ctx context.Context, pageID string) (*model.SyncJob, error) {
	j, err := scanJobRow(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs
		 WHERE page_id = ? AND status IN ('pending', 'in_progress')
		 ORDER BY created_at DESC LIMIT 1`, pageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find active job for page %s", pageID)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.SyncJob) error {
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job errors")
	}
	job.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, total_contacts = ?, synced_contacts = ?, failed_contacts = ?, errors = ?, token_expired = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.TotalContacts, job.SyncedContacts,
		job.FailedContacts, string(errorsJSON), job.TokenExpired,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE 1=1`
	args := []any{}

	if filter.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, filter.PageID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) JobStats(ctx context.Context, lookback time.Duration) (*JobStats, error) {
	since := time.Now().UTC().Add(-lookback)
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_jobs WHERE created_at > ? GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job stats")
	}
	defer rows.Close()

	stats := &JobStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job stats")
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
		return nil, eris.Wrap(err, "sqlite: job stats iterate")
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.FailRate = float64(stats.Failed) / float64(finished)
	}
	return stats, nil
}

// Pipelines

func (s *SQLiteStore) GetPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM pipelines WHERE id = ?`, pipelineID,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get pipeline %s", pipelineID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max
		 FROM pipeline_stages WHERE pipeline_id = ? ORDER BY stage_order`, pipelineID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stages for pipeline %s", pipelineID)
	}
	defer rows.Close()

	for rows.Next() {
		var st model.Stage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Type,
			&st.Order, &st.LeadScoreMin, &st.LeadScoreMax); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		p.Stages = append(p.Stages, st)
	}
	return &p, eris.Wrap(rows.Err(), "sqlite: get stages iterate")
}

func (s *SQLiteStore) ListPipelines(ctx context.Context) ([]model.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pipelines")
	}
	defer rows.Close()

	var pipelines []model.Pipeline
	idx := make(map[string]int)
	for rows.Next() {
		var p model.Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pipeline")
		}
		idx[p.ID] = len(pipelines)
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list pipelines iterate")
	}

	stageRows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, name, type, stage_order, lead_score_min, lead_score_max
		 FROM pipeline_stages ORDER BY pipeline_id, stage_order`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stages")
	}
	defer stageRows.Close()

	for stageRows.Next() {
		var st model.Stage
		if err := stageRows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Type,
			&st.Order, &st.LeadScoreMin, &st.LeadScoreMax); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if i, ok := idx[st.PipelineID]; ok {
			pipelines[i].Stages = append(pipelines[i].Stages, st)
		}
	}
	return pipelines, eris.Wrap(stageRows.Err(), "sqlite: list stages iterate")
}

// Credentials

func (s *SQLiteStore) AddCredential(ctx context.Context, cred *model.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = model.CredentialActive
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, secret, status, consecutive_failures, disabled_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.EncryptedSecret, string(cred.Status),
		cred.ConsecutiveFailures, cred.DisabledReason, now, now,
	)
	return eris.Wrap(err, "sqlite: add credential")
}

func (s *SQLiteStore) scanCredentialRows(rows *sql.Rows) ([]model.Credential, error) {
	defer rows.Close()
	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var status string
		var lastUsed, lastSuccess sql.NullTime
		if err := rows.Scan(&c.ID, &c.EncryptedSecret, &status,
			&c.ConsecutiveFailures, &c.DisabledReason,
			&lastUsed, &lastSuccess, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan credential")
		}
		c.Status = model.CredentialStatus(status)
		c.LastUsedAt = timePtr(lastUsed)
		c.LastSuccessAt = timePtr(lastSuccess)
		creds = append(creds, c)
	}
	return creds, eris.Wrap(rows.Err(), "sqlite: scan credentials iterate")
}

func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list credentials")
	}
	return s.scanCredentialRows(rows)
}

func (s *SQLiteStore) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	cutoff := time.Now().UTC().Add(-rateLimitCooldown)
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = 'active', updated_at = ?
		 WHERE status = 'rate_limited' AND updated_at <= ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reactivate rate-limited credentials")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active credentials")
	}
	return s.scanCredentialRows(rows)
}

func (s *SQLiteStore) RecordCredentialSuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET consecutive_failures = 0, last_used_at = ?, last_success_at = ?, updated_at = ? WHERE id = ?`,
		now, now, now, id,
	)
	return eris.Wrapf(err, "sqlite: record credential success %s", id)
}

func (s *SQLiteStore) RecordCredentialFailure(ctx context.Context, id string, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET consecutive_failures = consecutive_failures + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	return eris.Wrapf(err, "sqlite: record credential failure %s", id)
}

func (s *SQLiteStore) DisableCredential(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = 'disabled', disabled_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: disable credential %s", id)
}

func (s *SQLiteStore) MarkCredentialRateLimited(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = 'rate_limited', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: mark credential rate limited %s", id)
}

func (s *SQLiteStore) ReactivateCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = 'active', consecutive_failures = 0, disabled_reason = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reactivate credential %s", id)
	}
	return checkRowsAffected(res, "credential", id)
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, page_id, participant_id, phase, error, error_kind, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_kind = excluded.error_kind,
		   retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.JobID, entry.PageID, entry.ParticipantID,
		entry.Phase, entry.Error, entry.ErrorKind,
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job_id, page_id, participant_id, phase, error, error_kind, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorKind != "" {
		query += ` AND error_kind = ?`
		args = append(args, filter.ErrorKind)
	}
	if filter.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, filter.PageID)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.PageID, &e.ParticipantID,
			&e.Phase, &e.Error, &e.ErrorKind, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}
