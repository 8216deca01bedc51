package rollup

import (
	"context"
	"fmt"
	"sort"

	"github.com/JonMunkholm/cdf/internal/store"
)

// UnknownValue is an unresolved raw value that loaded under a placeholder
// in some contest.
type UnknownValue struct {
	Contest string `json:"contest"`
	Element string `json:"element"`
	Raw     string `json:"raw_value"`
	Rows    int64  `json:"rows"`
	Files   int64  `json:"files"`
}

// UnknownContests lists, for the election, every contest whose loads
// recorded unresolved non-critical values (candidates, parties, vote types
// that became Unknown).
func UnknownContests(ctx context.Context, q store.Querier, election string) ([]UnknownValue, error) {
	electionID, err := lookupID(ctx, q, store.TableElection, election)
	if err != nil {
		return nil, fmt.Errorf("unknown contests: %w", err)
	}
	contests, err := contestNames(ctx, q, electionID)
	if err != nil {
		return nil, fmt.Errorf("unknown contests: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT uv.contest_id, uv.element, uv.raw_value,
	CAST(SUM(uv.row_count) AS BIGINT), COUNT(DISTINCT uv.datafile_id)
FROM unresolved_value uv
JOIN datafile df ON df.id = uv.datafile_id
WHERE df.election_id = $1 AND uv.disposition = 'unknown' AND uv.contest_id <> 0
GROUP BY uv.contest_id, uv.element, uv.raw_value`, electionID)
	if err != nil {
		return nil, fmt.Errorf("unknown contests: %w", err)
	}
	defer rows.Close()

	type item struct {
		contestID int64
		v         UnknownValue
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.contestID, &it.v.Element, &it.v.Raw, &it.v.Rows, &it.v.Files); err != nil {
			return nil, fmt.Errorf("unknown contests: %w", err)
		}
		it.v.Contest = contests[it.contestID]
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unknown contests: %w", err)
	}

	out := make([]UnknownValue, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	sortUnknowns(out)
	return out, nil
}

func sortUnknowns(vs []UnknownValue) {
	sort.Slice(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.Contest != b.Contest {
			return a.Contest < b.Contest
		}
		if a.Element != b.Element {
			return a.Element < b.Element
		}
		return a.Raw < b.Raw
	})
}
