// Package rollup aggregates stored vote counts up the reporting-unit
// hierarchy and checks reported totals against their vote-type breakdowns.
//
// Grouping is always keyed by element ids. Names are attached only for
// display and sorting, so spelling variants can never split a group.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/cdf/internal/store"
)

// Request selects what Rollup aggregates.
type Request struct {
	Election string // election name
	Root     string // reporting unit name; only it and its descendants count

	// Level is the ReportingUnitType to group up to. Empty groups
	// everything under Root itself.
	Level string

	ByVoteType       bool
	ExcludeTotalType bool
	BySelection      bool

	// Contest restricts output to one contest name when set.
	Contest string
}

// Row is one aggregated result.
type Row struct {
	ContestID     int64  `json:"contest_id"`
	Contest       string `json:"contest"`
	UnitID        int64  `json:"reporting_unit_id"`
	ReportingUnit string `json:"reporting_unit"`
	SelectionID   int64  `json:"selection_id,omitempty"`
	Selection     string `json:"selection,omitempty"`
	CountItemType string `json:"count_item_type,omitempty"`
	Count         int64  `json:"count"`
}

type groupKey struct {
	contest   int64
	unit      int64
	selection int64
	voteType  string
}

// Rollup sums the election's vote counts for Root and its descendants,
// grouped by contest and by each leaf's ancestor of type Level.
//
// When a leaf has both a total and granular rows, a rollup without vote
// types takes one value per leaf: the total, or the granular sum when
// ExcludeTotalType is set. With ByVoteType, ExcludeTotalType drops the total
// of any leaf that has granular rows.
func Rollup(ctx context.Context, q store.Querier, req Request) ([]Row, error) {
	electionID, err := lookupID(ctx, q, store.TableElection, req.Election)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	rootID, err := lookupID(ctx, q, store.TableReportingUnit, req.Root)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}

	targets := []unitRef{{id: rootID, name: req.Root}}
	if req.Level != "" {
		if targets, err = targetUnits(ctx, q, req.Root, req.Level); err != nil {
			return nil, fmt.Errorf("rollup: %w", err)
		}
	}

	leaves, err := fetchLeaves(ctx, q, electionID, req.Root)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	contests, err := contestNames(ctx, q, electionID)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	var selections map[int64]string
	if req.BySelection {
		if selections, err = selectionNames(ctx, q); err != nil {
			return nil, fmt.Errorf("rollup: %w", err)
		}
	}

	ancestors := make(map[int64]unitRef)
	groups := make(map[groupKey]int64)
	for k, l := range leaves {
		if req.Contest != "" && contests[k.contest] != req.Contest {
			continue
		}
		target, ok := ancestors[k.unit]
		if !ok {
			target, ok = ancestorOf(l.unitName, targets)
			if !ok {
				continue
			}
			ancestors[k.unit] = target
		}

		gk := groupKey{contest: k.contest, unit: target.id}
		if req.BySelection {
			gk.selection = k.selection
		}
		for voteType, n := range contributions(l, req) {
			gk.voteType = voteType
			groups[gk] += n
		}
	}

	unitNames := make(map[int64]string, len(targets))
	for _, t := range targets {
		unitNames[t.id] = t.name
	}

	out := make([]Row, 0, len(groups))
	for gk, n := range groups {
		out = append(out, Row{
			ContestID:     gk.contest,
			Contest:       contests[gk.contest],
			UnitID:        gk.unit,
			ReportingUnit: unitNames[gk.unit],
			SelectionID:   gk.selection,
			Selection:     selections[gk.selection],
			CountItemType: gk.voteType,
			Count:         n,
		})
	}
	sortRows(out)
	return out, nil
}

// contributions returns what one leaf adds, keyed by vote type ("" when
// vote types are not broken out).
func contributions(l *leaf, req Request) map[string]int64 {
	total, hasTotal := l.total()
	granular, hasGranular := l.granular()

	if !req.ByVoteType {
		switch {
		case hasGranular && (req.ExcludeTotalType || !hasTotal):
			return map[string]int64{"": granular}
		case hasTotal:
			return map[string]int64{"": total}
		}
		return nil
	}

	out := make(map[string]int64, len(l.counts))
	for t, n := range l.counts {
		if t == TotalType && req.ExcludeTotalType && hasGranular {
			continue
		}
		out[t] = n
	}
	return out
}

// ancestorOf returns the nearest target unit that is unit itself or one of
// its ancestors.
func ancestorOf(unit string, targets []unitRef) (unitRef, bool) {
	var (
		best  unitRef
		found bool
	)
	for _, t := range targets {
		if unit != t.name && !strings.HasPrefix(unit, t.name+";") {
			continue
		}
		if !found || len(t.name) > len(best.name) {
			best, found = t, true
		}
	}
	return best, found
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Contest != b.Contest {
			return a.Contest < b.Contest
		}
		if a.ContestID != b.ContestID {
			return a.ContestID < b.ContestID
		}
		if a.ReportingUnit != b.ReportingUnit {
			return a.ReportingUnit < b.ReportingUnit
		}
		if a.CountItemType != b.CountItemType {
			return a.CountItemType < b.CountItemType
		}
		if a.Selection != b.Selection {
			return a.Selection < b.Selection
		}
		return a.SelectionID < b.SelectionID
	})
}
