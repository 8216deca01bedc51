package rollup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/store"
)

// Mismatch is one (contest, reporting unit) whose granular vote types do
// not add up to the reported total.
type Mismatch struct {
	Contest       string `json:"contest"`
	ReportingUnit string `json:"reporting_unit"`
	TotalReported int64  `json:"total_reported"`
	GranularSum   int64  `json:"granular_sum"`
}

// Reconciliation is the result of Reconcile.
type Reconciliation struct {
	Election     string     `json:"election"`
	Jurisdiction string     `json:"jurisdiction"`
	Checked      int        `json:"checked"`
	Pass         bool       `json:"pass"`
	Mismatches   []Mismatch `json:"mismatches"`
}

// ReconciliationWarning is the non-fatal error form of a failed
// reconciliation.
type ReconciliationWarning struct {
	Election     string
	Jurisdiction string
	Mismatches   []Mismatch
}

func (w *ReconciliationWarning) Error() string {
	parts := make([]string, 0, 3)
	for i, m := range w.Mismatches {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(w.Mismatches)-3))
			break
		}
		parts = append(parts, fmt.Sprintf("%s @ %s: total %d, granular %d",
			m.Contest, m.ReportingUnit, m.TotalReported, m.GranularSum))
	}
	return fmt.Sprintf("reconciliation failed for %s / %s: %d mismatch(es): %s",
		w.Election, w.Jurisdiction, len(w.Mismatches), strings.Join(parts, "; "))
}

// Warning returns nil when the reconciliation passed.
func (r Reconciliation) Warning() error {
	if r.Pass {
		return nil
	}
	return &ReconciliationWarning{Election: r.Election, Jurisdiction: r.Jurisdiction, Mismatches: r.Mismatches}
}

type pairKey struct {
	contest int64
	unit    int64
}

type pairSums struct {
	unitName string
	total    int64
	granular int64
}

// Reconcile compares, for every (contest, reporting unit) under
// jurisdiction, the reported totals with the sum of granular vote types.
// Only selections that have both a total and at least one granular row take
// part; a unit reporting only one of them has nothing to reconcile.
func Reconcile(ctx context.Context, q store.Querier, election, jurisdiction string) (Reconciliation, error) {
	res := Reconciliation{Election: election, Jurisdiction: jurisdiction}

	electionID, err := lookupID(ctx, q, store.TableElection, election)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	leaves, err := fetchLeaves(ctx, q, electionID, jurisdiction)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	pairs := make(map[pairKey]*pairSums)
	for k, l := range leaves {
		total, hasTotal := l.total()
		granular, hasGranular := l.granular()
		if !hasTotal || !hasGranular {
			continue
		}
		pk := pairKey{k.contest, k.unit}
		p := pairs[pk]
		if p == nil {
			p = &pairSums{unitName: l.unitName}
			pairs[pk] = p
		}
		p.total += total
		p.granular += granular
	}
	res.Checked = len(pairs)

	var contests map[int64]string
	for pk, p := range pairs {
		if p.total == p.granular {
			continue
		}
		if contests == nil {
			if contests, err = contestNames(ctx, q, electionID); err != nil {
				return res, fmt.Errorf("reconcile: %w", err)
			}
		}
		res.Mismatches = append(res.Mismatches, Mismatch{
			Contest:       contests[pk.contest],
			ReportingUnit: p.unitName,
			TotalReported: p.total,
			GranularSum:   p.granular,
		})
	}
	sort.Slice(res.Mismatches, func(i, j int) bool {
		a, b := res.Mismatches[i], res.Mismatches[j]
		if a.Contest != b.Contest {
			return a.Contest < b.Contest
		}
		return a.ReportingUnit < b.ReportingUnit
	})

	res.Pass = len(res.Mismatches) == 0
	metrics.ReconcileMismatches.Add(float64(len(res.Mismatches)))
	return res, nil
}
