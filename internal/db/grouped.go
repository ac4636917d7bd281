package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// GroupedUpdateRow is one logical row update: the key that selects the row
// and the values to set, keyed by column name.
type GroupedUpdateRow struct {
	Key string
	Set map[string]any
}

// GroupedUpdateConfig targets a grouped update at one table.
type GroupedUpdateConfig struct {
	Table   string
	KeyCol  string   // column matched with = ANY($n)
	SetCols []string // columns written, in statement order
}

// GroupedUpdate collapses rows whose SET payloads are identical into a
// single UPDATE ... WHERE key = ANY($n) statement. Batches where many rows
// receive the same assignment (common for stage moves) shrink from N
// statements to a handful.
func GroupedUpdate(ctx context.Context, pool Pool, cfg GroupedUpdateConfig, rows []GroupedUpdateRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if cfg.KeyCol == "" || len(cfg.SetCols) == 0 {
		return 0, eris.New("db: grouped update: key column and set columns required")
	}

	type group struct {
		vals []any
		keys []string
	}
	groups := make(map[string]*group)
	var order []string
	for _, r := range rows {
		vals := make([]any, len(cfg.SetCols))
		for i, col := range cfg.SetCols {
			vals[i] = r.Set[col]
		}
		h := contentHash(vals)
		g, ok := groups[h]
		if !ok {
			g = &group{vals: vals}
			groups[h] = g
			order = append(order, h)
		}
		g.keys = append(g.keys, r.Key)
	}

	var setClauses []string
	for i, col := range cfg.SetCols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ANY($%d)",
		qualifyTable(cfg.Table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{cfg.KeyCol}.Sanitize(),
		len(cfg.SetCols)+1,
	)

	var total int64
	for _, h := range order {
		g := groups[h]
		sort.Strings(g.keys)
		args := append(append([]any{}, g.vals...), g.keys)
		tag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			return total, eris.Wrapf(err, "db: grouped update on %s", cfg.Table)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// contentHash fingerprints a SET payload. JSON encoding is stable enough
// here: payloads are built from the same column order every time.
func contentHash(vals []any) string {
	b, err := json.Marshal(vals)
	if err != nil {
		return fmt.Sprintf("%v", vals)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
