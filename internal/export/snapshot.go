// Package export serializes stored results in the two published document
// formats and verifies them against reference values.
//
// Both encoders are byte-stable: for a fixed store they emit the same bytes
// on every run. Version 1 is a name-keyed JSON document that can be
// re-imported into another store. Version 2 is an XML election report in
// the NIST 1500-100 style whose ObjectIds are the store ids ("oid<id>").
package export

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/store"
)

// Contest kinds.
const (
	KindCandidate     = "candidate"
	KindBallotMeasure = "ballot_measure"
)

// Snapshot is every element and summed count of one election under one
// jurisdiction, ordered by id.
type Snapshot struct {
	Election     Election
	Jurisdiction string
	Units        []Unit
	Parties      []Party
	Offices      []Office
	Candidates   []Candidate
	Contests     []Contest
	Counts       []Count
}

type Election struct {
	ID   int64
	Name string
	Type string
	Year int64
}

type Unit struct {
	ID       int64
	Name     string
	Type     string
	ParentID int64
}

type Party struct {
	ID   int64
	Name string
}

type Office struct {
	ID         int64
	Name       string
	DistrictID int64
}

type Candidate struct {
	ID         int64
	BallotName string
}

// Contest is a candidate or ballot-measure contest. OfficeID, NumberElected
// and PrimaryPartyID apply to candidate contests; DistrictID to ballot
// measures.
type Contest struct {
	ID             int64
	Kind           string
	Name           string
	OfficeID       int64
	NumberElected  int64
	PrimaryPartyID int64
	DistrictID     int64
	Selections     []Selection
}

// Selection is a candidate selection (CandidateID, PartyID) or a named
// ballot-measure selection.
type Selection struct {
	ID          int64
	Name        string
	CandidateID int64
	PartyID     int64
}

// Count is the sum over data files of one (contest, selection, unit, type).
type Count struct {
	ContestID   int64
	SelectionID int64
	UnitID      int64
	Type        string
	Count       int64
}

// LoadSnapshot reads the snapshot of election for the jurisdiction rooted
// at the reporting unit named jurisdiction. A contest is included when it
// belongs to the election and either has counts under the jurisdiction or
// its district lies inside it.
func LoadSnapshot(ctx context.Context, q store.Querier, election, jurisdiction string) (*Snapshot, error) {
	s := &Snapshot{Jurisdiction: jurisdiction}

	err := q.QueryRow(ctx, `SELECT e.id, e.name, COALESCE(t.txt, ''), e.year
FROM election e LEFT JOIN election_type t ON t.id = e.election_type_id
WHERE e.name = $1`, election).Scan(&s.Election.ID, &s.Election.Name, &s.Election.Type, &s.Election.Year)
	if errors.Is(err, store.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: election %q: %w", election, rollup.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: election: %w", err)
	}

	if s.Units, err = loadUnits(ctx, q, jurisdiction); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if len(s.Units) == 0 {
		return nil, fmt.Errorf("snapshot: reporting unit %q: %w", jurisdiction, rollup.ErrNotFound)
	}
	if s.Counts, err = loadCounts(ctx, q, s.Election.ID, jurisdiction); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	sortCounts(s.Counts)
	if err := s.loadContests(ctx, q); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if err := s.loadReferenced(ctx, q); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return s, nil
}

func loadUnits(ctx context.Context, q store.Querier, root string) ([]Unit, error) {
	cond, args := rollup.UnderRoot("ru.name", root, 1)
	rows, err := q.Query(ctx, `SELECT ru.id, ru.name, COALESCE(t.txt, ''), ru.parent_id
FROM reporting_unit ru
LEFT JOIN reporting_unit_type t ON t.id = ru.reporting_unit_type_id
WHERE `+cond+`
ORDER BY ru.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("reporting units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Name, &u.Type, &u.ParentID); err != nil {
			return nil, fmt.Errorf("reporting units: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func loadCounts(ctx context.Context, q store.Querier, electionID int64, root string) ([]Count, error) {
	cond, args := rollup.UnderRoot("ru.name", root, 2)
	rows, err := q.Query(ctx, `SELECT vc.contest_id, vc.selection_id, vc.reporting_unit_id, cit.txt,
	CAST(SUM(vc.count) AS BIGINT)
FROM vote_count vc
JOIN reporting_unit ru ON ru.id = vc.reporting_unit_id
JOIN count_item_type cit ON cit.id = vc.count_item_type_id
WHERE vc.election_id = $1 AND `+cond+`
GROUP BY vc.contest_id, vc.selection_id, vc.reporting_unit_id, cit.txt`,
		append([]any{electionID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("vote counts: %w", err)
	}
	defer rows.Close()

	var counts []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.ContestID, &c.SelectionID, &c.UnitID, &c.Type, &c.Count); err != nil {
			return nil, fmt.Errorf("vote counts: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *Snapshot) loadContests(ctx context.Context, q store.Querier) error {
	counted := make(map[int64]bool)
	for _, c := range s.Counts {
		counted[c.ContestID] = true
	}
	inside := make(map[int64]bool, len(s.Units))
	for _, u := range s.Units {
		inside[u.ID] = true
	}

	offices, err := scanAll(ctx, q, `SELECT id, name, election_district_id FROM office ORDER BY id`,
		func(r store.Rows) (Office, error) {
			var o Office
			err := r.Scan(&o.ID, &o.Name, &o.DistrictID)
			return o, err
		})
	if err != nil {
		return fmt.Errorf("offices: %w", err)
	}
	officeByID := make(map[int64]Office, len(offices))
	for _, o := range offices {
		officeByID[o.ID] = o
	}

	candidate, err := scanAll(ctx, q, `SELECT c.id, c.name, c.office_id, c.number_elected, c.primary_party_id
FROM candidate_contest c
JOIN election_contest_join j ON j.contest_id = c.id
WHERE j.election_id = $1
ORDER BY c.id`, func(r store.Rows) (Contest, error) {
		c := Contest{Kind: KindCandidate}
		err := r.Scan(&c.ID, &c.Name, &c.OfficeID, &c.NumberElected, &c.PrimaryPartyID)
		return c, err
	}, s.Election.ID)
	if err != nil {
		return fmt.Errorf("candidate contests: %w", err)
	}
	measures, err := scanAll(ctx, q, `SELECT c.id, c.name, c.election_district_id
FROM ballot_measure_contest c
JOIN election_contest_join j ON j.contest_id = c.id
WHERE j.election_id = $1
ORDER BY c.id`, func(r store.Rows) (Contest, error) {
		c := Contest{Kind: KindBallotMeasure}
		err := r.Scan(&c.ID, &c.Name, &c.DistrictID)
		return c, err
	}, s.Election.ID)
	if err != nil {
		return fmt.Errorf("ballot measure contests: %w", err)
	}

	keep := func(c Contest) bool {
		district := c.DistrictID
		if c.Kind == KindCandidate {
			district = officeByID[c.OfficeID].DistrictID
		}
		return counted[c.ID] || inside[district]
	}
	offs := make(map[int64]bool)
	for _, c := range mergeByID(candidate, measures) {
		if !keep(c) {
			continue
		}
		s.Contests = append(s.Contests, c)
		if c.OfficeID != 0 {
			offs[c.OfficeID] = true
		}
	}
	for _, o := range offices {
		if offs[o.ID] {
			s.Offices = append(s.Offices, o)
		}
	}
	return nil
}

// mergeByID merges two id-ordered contest lists.
func mergeByID(a, b []Contest) []Contest {
	out := make([]Contest, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0].ID < b[0].ID {
			out, a = append(out, a[0]), a[1:]
		} else {
			out, b = append(out, b[0]), b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

type joinedSelection struct {
	contestID int64
	sel       Selection
}

// loadReferenced attaches selections to the contests and collects the
// candidates and parties they reference.
func (s *Snapshot) loadReferenced(ctx context.Context, q store.Querier) error {
	cands, err := scanAll(ctx, q, `SELECT j.contest_id, cs.id, cs.candidate_id, cs.party_id
FROM contest_selection_join j
JOIN candidate_selection cs ON cs.id = j.selection_id
ORDER BY j.contest_id, cs.id`, func(r store.Rows) (joinedSelection, error) {
		var js joinedSelection
		err := r.Scan(&js.contestID, &js.sel.ID, &js.sel.CandidateID, &js.sel.PartyID)
		return js, err
	})
	if err != nil {
		return fmt.Errorf("candidate selections: %w", err)
	}
	measures, err := scanAll(ctx, q, `SELECT j.contest_id, s.id, s.name
FROM contest_selection_join j
JOIN ballot_measure_selection s ON s.id = j.selection_id
ORDER BY j.contest_id, s.id`, func(r store.Rows) (joinedSelection, error) {
		var js joinedSelection
		err := r.Scan(&js.contestID, &js.sel.ID, &js.sel.Name)
		return js, err
	})
	if err != nil {
		return fmt.Errorf("ballot measure selections: %w", err)
	}

	byContest := make(map[int64][]Selection)
	for _, js := range append(cands, measures...) {
		byContest[js.contestID] = append(byContest[js.contestID], js.sel)
	}

	candidateIDs := make(map[int64]bool)
	partyIDs := make(map[int64]bool)
	for i := range s.Contests {
		c := &s.Contests[i]
		c.Selections = byContest[c.ID]
		sortSelections(c.Selections)
		if c.PrimaryPartyID != 0 {
			partyIDs[c.PrimaryPartyID] = true
		}
		for _, sel := range c.Selections {
			if sel.CandidateID != 0 {
				candidateIDs[sel.CandidateID] = true
			}
			if sel.PartyID != 0 {
				partyIDs[sel.PartyID] = true
			}
		}
	}

	candidates, err := scanAll(ctx, q, `SELECT id, ballot_name FROM candidate ORDER BY id`,
		func(r store.Rows) (Candidate, error) {
			var c Candidate
			err := r.Scan(&c.ID, &c.BallotName)
			return c, err
		})
	if err != nil {
		return fmt.Errorf("candidates: %w", err)
	}
	for _, c := range candidates {
		if candidateIDs[c.ID] {
			s.Candidates = append(s.Candidates, c)
		}
	}

	parties, err := scanAll(ctx, q, `SELECT id, name FROM party ORDER BY id`,
		func(r store.Rows) (Party, error) {
			var p Party
			err := r.Scan(&p.ID, &p.Name)
			return p, err
		})
	if err != nil {
		return fmt.Errorf("parties: %w", err)
	}
	for _, p := range parties {
		if partyIDs[p.ID] {
			s.Parties = append(s.Parties, p)
		}
	}
	return nil
}

func sortSelections(sels []Selection) {
	sort.Slice(sels, func(i, j int) bool { return sels[i].ID < sels[j].ID })
}

// scanAll runs query and collects every row. The rows are closed before
// it returns, so callers never hold two result sets open at once.
func scanAll[T any](ctx context.Context, q store.Querier, query string, scan func(store.Rows) (T, error), args ...any) ([]T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
