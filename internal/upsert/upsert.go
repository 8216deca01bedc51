// Package upsert implements the race-safe get-or-create used for every
// canonical element.
//
// GetOrCreate is a single INSERT ... ON CONFLICT (natural key) DO NOTHING
// RETURNING id. When the insert loses a race the existing row is read back by
// its natural key. Concurrent callers with the same key all receive the id of
// the one row that exists; none of them fails because of the race.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/store"
)

// DefaultMaxAttempts bounds retries when a conflicting row cannot be read
// back (it was removed between insert and select) or the store reports a
// retryable error.
const DefaultMaxAttempts = 3

// ErrConflictTarget is returned when the requested key columns are not the
// table's declared natural key, or the store has no unique constraint
// matching them. It is a configuration error and never retried.
var ErrConflictTarget = errors.New("conflict target does not match natural key")

// ErrNotFound is returned by Lookup when no row has the key.
var ErrNotFound = errors.New("element not found")

// ErrUnknownTable is returned for tables or columns outside the schema.
var ErrUnknownTable = errors.New("unknown table")

// ConsistencyError reports more than one row for one natural key. It
// signals store corruption and is never resolved by picking a row.
type ConsistencyError struct {
	Table string
	Key   Values
	IDs   []int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error: %d rows in %s for natural key %s (ids %v)",
		len(e.IDs), e.Table, e.Key, e.IDs)
}

// Values maps column names to bound values.
type Values map[string]any

// String renders the values sorted by column.
func (v Values) String() string {
	keys := v.columns()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, v[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (v Values) columns() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine performs get-or-create against one Querier.
type Engine struct {
	q           store.Querier
	maxAttempts int
	cache       *Cache
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// New returns an Engine writing through q.
func New(q store.Querier, opts ...Option) *Engine {
	e := &Engine{q: q, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCache returns an Engine sharing e's store that memoises ids for the
// lifetime of the returned value. GetOrCreate is idempotent, so a cached id
// is always the authoritative one.
func (e *Engine) WithCache() *Engine {
	c := *e
	c.cache = NewCache()
	return &c
}

// Querier returns the store the engine writes through.
func (e *Engine) Querier() store.Querier { return e.q }

// GetOrCreate returns the id of the row in table whose natural key equals
// key, inserting it with the extra columns in other when absent. Values of
// other are written only on insert; an existing row is never updated.
func (e *Engine) GetOrCreate(ctx context.Context, table string, key, other Values) (int64, error) {
	td, err := checkColumns(table, key, other)
	if err != nil {
		return 0, err
	}
	if td.Fact {
		return 0, fmt.Errorf("upsert %s: fact tables are not get-or-create: %w", table, ErrUnknownTable)
	}

	if e.cache != nil {
		if id, ok := e.cache.get(table, key); ok {
			return id, nil
		}
	}

	cols := make([]string, 0, len(key)+len(other))
	cols = append(cols, td.NaturalKey...)
	cols = append(cols, other.columns()...)
	args := make([]any, 0, len(cols)+1)
	args = append(args, nil) // id
	for _, c := range td.NaturalKey {
		args = append(args, key[c])
	}
	for _, c := range other.columns() {
		args = append(args, other[c])
	}

	insert := fmt.Sprintf("INSERT INTO %s (id, %s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING id",
		store.QuoteIdent(td.Name), quoteAll(cols), store.Placeholders(1, len(cols)+1), quoteAll(td.NaturalKey))

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		newID, err := store.NextID(ctx, e.q)
		if err != nil {
			return 0, fmt.Errorf("upsert %s: %w", table, err)
		}
		args[0] = newID

		var id int64
		err = e.q.QueryRow(ctx, insert, args...).Scan(&id)
		switch {
		case err == nil:
			metrics.Upserts.WithLabelValues(table, "created").Inc()
			e.remember(table, key, id)
			return id, nil
		case errors.Is(err, store.ErrNoRows):
			// Lost the race or the row already existed.
		case store.IsConflictTargetMismatch(err):
			return 0, fmt.Errorf("upsert %s on (%s): %w: %v", table, strings.Join(td.NaturalKey, ", "), ErrConflictTarget, err)
		case store.IsRetryable(err):
			metrics.Upserts.WithLabelValues(table, "retry").Inc()
			lastErr = err
			continue
		default:
			return 0, fmt.Errorf("upsert %s %s: %w", table, key, err)
		}

		ids, err := e.selectIDs(ctx, td, key)
		if err != nil {
			return 0, fmt.Errorf("upsert %s read back: %w", table, err)
		}
		switch len(ids) {
		case 1:
			metrics.Upserts.WithLabelValues(table, "existing").Inc()
			e.remember(table, key, ids[0])
			return ids[0], nil
		case 0:
			metrics.Upserts.WithLabelValues(table, "retry").Inc()
			lastErr = fmt.Errorf("conflicting row for %s vanished", key)
		default:
			return 0, &ConsistencyError{Table: table, Key: key, IDs: ids}
		}
	}
	return 0, fmt.Errorf("upsert %s %s: gave up after %d attempts: %w", table, key, e.maxAttempts, lastErr)
}

// Lookup returns the id of the row with the given natural key without
// creating it.
func (e *Engine) Lookup(ctx context.Context, table string, key Values) (int64, error) {
	td, err := checkColumns(table, key, nil)
	if err != nil {
		return 0, err
	}
	if e.cache != nil {
		if id, ok := e.cache.get(table, key); ok {
			return id, nil
		}
	}
	ids, err := e.selectIDs(ctx, td, key)
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", table, err)
	}
	switch len(ids) {
	case 0:
		return 0, fmt.Errorf("%s %s: %w", table, key, ErrNotFound)
	case 1:
		e.remember(table, key, ids[0])
		return ids[0], nil
	default:
		return 0, &ConsistencyError{Table: table, Key: key, IDs: ids}
	}
}

func (e *Engine) selectIDs(ctx context.Context, td store.TableDef, key Values) ([]int64, error) {
	conds := make([]string, len(td.NaturalKey))
	args := make([]any, len(td.NaturalKey))
	for i, c := range td.NaturalKey {
		conds[i] = fmt.Sprintf("%s = $%d", store.QuoteIdent(c), i+1)
		args[i] = key[c]
	}
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY id",
		store.QuoteIdent(td.Name), strings.Join(conds, " AND "))

	rows, err := e.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (e *Engine) remember(table string, key Values, id int64) {
	if e.cache != nil {
		e.cache.put(table, key, id)
	}
}

// checkColumns validates table and column names against the schema
// allow-list before any of them is interpolated into SQL.
func checkColumns(table string, key, other Values) (store.TableDef, error) {
	td, ok := store.LookupTable(table)
	if !ok {
		return store.TableDef{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	keyCols := key.columns()
	if !td.IsNaturalKey(keyCols) {
		return store.TableDef{}, fmt.Errorf("upsert %s: key columns %v, natural key %v: %w",
			table, keyCols, td.NaturalKey, ErrConflictTarget)
	}
	for c := range other {
		if c == "id" || !td.HasColumn(c) {
			return store.TableDef{}, fmt.Errorf("%w: column %q of %s", ErrUnknownTable, c, table)
		}
		if _, dup := key[c]; dup {
			return store.TableDef{}, fmt.Errorf("upsert %s: column %q in both key and other fields", table, c)
		}
	}
	return td, nil
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = store.QuoteIdent(c)
	}
	return strings.Join(q, ", ")
}
