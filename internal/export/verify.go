package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// StatusOfficialFinal marks the reference rows Verify checks.
const StatusOfficialFinal = "official-final"

// Reference is one expected result. Election is optional in reference
// files; when set, the row applies only to that election.
type Reference struct {
	Election      string `json:"election,omitempty"`
	Contest       string `json:"contest"`
	ReportingUnit string `json:"reporting_unit"`
	VoteType      string `json:"vote_type"`
	Count         int64  `json:"count"`
	Line          int    `json:"line"`
}

var referenceColumns = []string{"Contest", "ReportingUnit", "VoteType", "Count", "Status"}

// ReadReferences reads a tab-separated reference-results file with columns
// Contest, ReportingUnit, VoteType, Count and Status (and optionally
// Election). Only rows whose Status is official-final are returned.
func ReadReferences(r io.Reader) ([]Reference, error) {
	t, err := ReadTable(r)
	if err != nil {
		return nil, fmt.Errorf("read references: %w", err)
	}
	idx, err := t.indexes(referenceColumns)
	if err != nil {
		return nil, fmt.Errorf("read references: %w", err)
	}
	contest, unit, voteType, count, status := idx[0], idx[1], idx[2], idx[3], idx[4]
	electionCol := t.Index("Election")

	var refs []Reference
	for i, row := range t.Rows {
		line := i + 2
		if !strings.EqualFold(cell(row, status), StatusOfficialFinal) {
			continue
		}
		n, ok, err := munger.ParseCount(cell(row, count))
		if err != nil {
			return nil, fmt.Errorf("read references: line %d: %w", line, err)
		}
		if !ok {
			return nil, fmt.Errorf("read references: line %d: empty count", line)
		}
		ref := Reference{
			Contest:       cell(row, contest),
			ReportingUnit: cell(row, unit),
			VoteType:      cell(row, voteType),
			Count:         n,
			Line:          line,
		}
		if electionCol >= 0 {
			ref.Election = cell(row, electionCol)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Discrepancy is a reference whose stored value differs. Missing is set
// when nothing is stored for the contest and unit.
type Discrepancy struct {
	Reference
	Actual  int64 `json:"actual"`
	Missing bool  `json:"missing,omitempty"`
}

// Verification is the outcome of Verify.
type Verification struct {
	Election      string        `json:"election"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// ExportMismatchError lists the references that disagreed with the store.
type ExportMismatchError struct {
	Election      string
	Discrepancies []Discrepancy
}

func (e *ExportMismatchError) Error() string {
	parts := make([]string, 0, 3)
	for i, d := range e.Discrepancies {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Discrepancies)-3))
			break
		}
		parts = append(parts, fmt.Sprintf("%s @ %s [%s]: want %d, got %d",
			d.Contest, d.ReportingUnit, d.VoteType, d.Count, d.Actual))
	}
	return fmt.Sprintf("export mismatch for %s: %d discrepancy(ies): %s",
		e.Election, len(e.Discrepancies), strings.Join(parts, "; "))
}

// unitResults are the rollups of one reporting unit, by contest name. An
// unknown unit has none.
type unitResults struct {
	totals map[string]int64
	byType map[string]map[string]int64
}

// Verify evaluates every reference through the rollup engine. References
// naming another election are skipped. It returns an *ExportMismatchError
// alongside the Verification when any reference disagrees.
func Verify(ctx context.Context, q store.Querier, election string, refs []Reference) (Verification, error) {
	v := Verification{Election: election}
	if _, err := upsert.New(q).Lookup(ctx, store.TableElection, upsert.Values{"name": election}); err != nil {
		if errors.Is(err, upsert.ErrNotFound) {
			err = rollup.ErrNotFound
		}
		return v, fmt.Errorf("verify: election %q: %w", election, err)
	}

	units := make(map[string]*unitResults)
	for _, ref := range refs {
		if ref.Election != "" && ref.Election != election {
			continue
		}
		u, ok := units[ref.ReportingUnit]
		if !ok {
			var err error
			if u, err = rollupUnit(ctx, q, election, ref.ReportingUnit); err != nil {
				return v, fmt.Errorf("verify: %w", err)
			}
			units[ref.ReportingUnit] = u
		}
		v.Checked++

		var (
			actual int64
			found  bool
		)
		if ref.VoteType == "" || ref.VoteType == rollup.TotalType {
			actual, found = u.totals[ref.Contest]
		} else {
			actual, found = u.byType[ref.Contest][ref.VoteType]
		}
		if found && actual == ref.Count {
			continue
		}
		v.Discrepancies = append(v.Discrepancies, Discrepancy{Reference: ref, Actual: actual, Missing: !found})
	}

	if len(v.Discrepancies) > 0 {
		metrics.VerifyDiscrepancies.Add(float64(len(v.Discrepancies)))
		return v, &ExportMismatchError{Election: election, Discrepancies: v.Discrepancies}
	}
	return v, nil
}

func rollupUnit(ctx context.Context, q store.Querier, election, unit string) (*unitResults, error) {
	u := &unitResults{totals: make(map[string]int64), byType: make(map[string]map[string]int64)}

	totals, err := rollup.Rollup(ctx, q, rollup.Request{Election: election, Root: unit})
	if errors.Is(err, rollup.ErrNotFound) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	for _, r := range totals {
		u.totals[r.Contest] += r.Count
	}

	byType, err := rollup.Rollup(ctx, q, rollup.Request{Election: election, Root: unit, ByVoteType: true})
	if err != nil {
		return nil, err
	}
	for _, r := range byType {
		m := u.byType[r.Contest]
		if m == nil {
			m = make(map[string]int64)
			u.byType[r.Contest] = m
		}
		m[r.CountItemType] += r.Count
	}
	return u, nil
}
