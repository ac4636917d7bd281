package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// writeOnceCols are set when a row is first inserted and never rewritten on
// conflict. Identity and timestamps belong to the insert; pipeline placement
// belongs to stage assignment, which runs its own grouped updates.
var writeOnceCols = map[string]bool{
	"id":          true,
	"created_at":  true,
	"pipeline_id": true,
	"stage_id":    true,
}

// UpsertConfig describes one COPY-backed upsert.
type UpsertConfig struct {
	// Table is the target, optionally schema-qualified ("crm.contacts").
	Table string
	// Columns lists every column the rows carry, in row order.
	Columns []string
	// ConflictKeys form the unique constraint and must appear in Columns.
	ConflictKeys []string
	// UpdateCols are rewritten when a row already exists. Nil means every
	// column except the conflict keys and the write-once set.
	UpdateCols []string
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	present := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		present[c] = true
	}
	for _, k := range cfg.ConflictKeys {
		if !present[k] {
			return eris.Errorf("db: upsert: conflict key %q not in column list", k)
		}
	}
	return nil
}

// updateSet resolves which columns the DO UPDATE clause rewrites.
func (cfg UpsertConfig) updateSet() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !keys[c] && !writeOnceCols[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// upsertSQL builds the INSERT ... ON CONFLICT statement that folds the temp
// table into the target.
func (cfg UpsertConfig) upsertSQL(tempTable string) string {
	cols := columnList(cfg.Columns)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s",
		qualifyTable(cfg.Table), cols, cols, pgx.Identifier{tempTable}.Sanitize())
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", columnList(cfg.ConflictKeys))
	for i, col := range cfg.updateSet() {
		if i > 0 {
			b.WriteString(", ")
		}
		q := pgx.Identifier{col}.Sanitize()
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", q, q)
	}
	return b.String()
}

// BulkUpsert lands rows in a temp table via COPY, then folds them into the
// target with a single INSERT ... ON CONFLICT. One transaction per batch, so
// a page's worth of contacts commits or rolls back as a unit.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(), qualifyTable(cfg.Table))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.upsertSQL(tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// qualifyTable quotes a table name, preserving an optional schema prefix.
func qualifyTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// columnList quotes each column and joins with commas.
func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
