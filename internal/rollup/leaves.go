package rollup

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// TotalType is the CountItemType of reported totals. Every other type is
// granular.
const TotalType = "total"

// ErrNotFound wraps lookups of an election or reporting unit that does not
// exist.
var ErrNotFound = errors.New("not found")

type leafKey struct {
	contest   int64
	selection int64
	unit      int64
}

// leaf holds the counts stored for one (contest, selection, reporting unit),
// keyed by CountItemType.
type leaf struct {
	unitName string
	counts   map[string]int64
}

func (l *leaf) total() (int64, bool) {
	n, ok := l.counts[TotalType]
	return n, ok
}

func (l *leaf) granular() (sum int64, ok bool) {
	for t, n := range l.counts {
		if t != TotalType {
			sum += n
			ok = true
		}
	}
	return sum, ok
}

func lookupID(ctx context.Context, q store.Querier, table, name string) (int64, error) {
	id, err := upsert.New(q).Lookup(ctx, table, upsert.Values{"name": name})
	if errors.Is(err, upsert.ErrNotFound) {
		return 0, fmt.Errorf("%s %q: %w", table, name, ErrNotFound)
	}
	return id, err
}

// UnderRoot returns the SQL predicate matching a reporting-unit name column
// equal to root or below it, and its arguments starting at $n.
func UnderRoot(col, root string, n int) (string, []any) {
	prefix := root + ";"
	cond := fmt.Sprintf("(%[1]s = $%[2]d OR substr(%[1]s, 1, $%[3]d) = $%[4]d)", col, n, n+1, n+2)
	return cond, []any{root, utf8.RuneCountInString(prefix), prefix}
}

// fetchLeaves reads the stored counts of an election for root and every
// unit below it, summed over data files.
func fetchLeaves(ctx context.Context, q store.Querier, electionID int64, root string) (map[leafKey]*leaf, error) {
	cond, args := UnderRoot("ru.name", root, 2)
	query := `SELECT vc.contest_id, vc.selection_id, vc.reporting_unit_id, ru.name, cit.txt,
	CAST(SUM(vc.count) AS BIGINT)
FROM vote_count vc
JOIN reporting_unit ru ON ru.id = vc.reporting_unit_id
JOIN count_item_type cit ON cit.id = vc.count_item_type_id
WHERE vc.election_id = $1 AND ` + cond + `
GROUP BY vc.contest_id, vc.selection_id, vc.reporting_unit_id, ru.name, cit.txt`

	rows, err := q.Query(ctx, query, append([]any{electionID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("fetch vote counts: %w", err)
	}
	defer rows.Close()

	leaves := make(map[leafKey]*leaf)
	for rows.Next() {
		var (
			k        leafKey
			unitName string
			cit      string
			count    int64
		)
		if err := rows.Scan(&k.contest, &k.selection, &k.unit, &unitName, &cit, &count); err != nil {
			return nil, fmt.Errorf("scan vote count: %w", err)
		}
		l := leaves[k]
		if l == nil {
			l = &leaf{unitName: unitName, counts: make(map[string]int64)}
			leaves[k] = l
		}
		l.counts[cit] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch vote counts: %w", err)
	}
	return leaves, nil
}

type unitRef struct {
	id   int64
	name string
}

// targetUnits returns the units of type level at or below root.
func targetUnits(ctx context.Context, q store.Querier, root, level string) ([]unitRef, error) {
	cond, args := UnderRoot("ru.name", root, 2)
	query := `SELECT ru.id, ru.name
FROM reporting_unit ru
JOIN reporting_unit_type t ON t.id = ru.reporting_unit_type_id
WHERE t.txt = $1 AND ` + cond

	rows, err := q.Query(ctx, query, append([]any{level}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s units: %w", level, err)
	}
	defer rows.Close()

	var units []unitRef
	for rows.Next() {
		var u unitRef
		if err := rows.Scan(&u.id, &u.name); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// contestNames maps the ids of every contest of the election to its name.
func contestNames(ctx context.Context, q store.Querier, electionID int64) (map[int64]string, error) {
	return idNames(ctx, q, `SELECT c.id, c.name FROM candidate_contest c
JOIN election_contest_join j ON j.contest_id = c.id WHERE j.election_id = $1
UNION ALL
SELECT c.id, c.name FROM ballot_measure_contest c
JOIN election_contest_join j ON j.contest_id = c.id WHERE j.election_id = $1`, electionID)
}

// selectionNames maps selection ids to display names; candidate selections
// carry the party in parentheses.
func selectionNames(ctx context.Context, q store.Querier) (map[int64]string, error) {
	return idNames(ctx, q, `SELECT cs.id, CASE WHEN p.name IS NULL THEN ca.ballot_name
	ELSE ca.ballot_name || ' (' || p.name || ')' END
FROM candidate_selection cs
JOIN candidate ca ON ca.id = cs.candidate_id
LEFT JOIN party p ON p.id = cs.party_id
UNION ALL
SELECT id, name FROM ballot_measure_selection`)
}

func idNames(ctx context.Context, q store.Querier, query string, args ...any) (map[int64]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch names: %w", err)
	}
	defer rows.Close()

	names := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}
