package store

import (
	"context"
	"fmt"
	"strings"
)

// NextID draws the next value of the global id sequence shared by every
// canonical table. It relies only on the backend's atomic increment.
func NextID(ctx context.Context, q Querier) (int64, error) {
	var (
		id    int64
		query string
	)
	switch q.Dialect() {
	case SQLite:
		query = `UPDATE cdf_id_seq SET last_value = last_value + 1 WHERE singleton = 1 RETURNING last_value`
	default:
		query = `SELECT nextval('cdf_id_seq')`
	}
	if err := q.QueryRow(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}

// QuoteIdent quotes a SQL identifier. Callers must still check the name
// against the table allow-list; quoting only guards against reserved words.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
