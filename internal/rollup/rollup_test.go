package rollup_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/store/storetest"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

const election = "2024 General"

type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       store.DB
	eng      *upsert.Engine
	election int64
	datafile int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storetest.NewSQLite(t)
	eng := upsert.New(db)
	if err := upsert.SeedEnumerations(ctx, eng); err != nil {
		t.Fatalf("SeedEnumerations() error = %v", err)
	}
	f := &fixture{t: t, ctx: ctx, db: db, eng: eng}
	f.election = f.get(store.TableElection, upsert.Values{"name": election}, upsert.Values{"year": 2024})
	f.datafile = f.get(store.TableDataFile, upsert.Values{
		"file_hash": "abc", "election_id": f.election, "jurisdiction_id": int64(0), "munger": "m",
	}, upsert.Values{"status": "loaded"})
	return f
}

func (f *fixture) get(table string, key, other upsert.Values) int64 {
	f.t.Helper()
	id, err := f.eng.GetOrCreate(f.ctx, table, key, other)
	if err != nil {
		f.t.Fatalf("GetOrCreate(%s, %v) error = %v", table, key, err)
	}
	return id
}

func (f *fixture) enum(table, txt string) int64 {
	f.t.Helper()
	id, err := upsert.EnumID(f.ctx, f.eng, table, txt)
	if err != nil {
		f.t.Fatalf("EnumID(%s, %q) error = %v", table, txt, err)
	}
	return id
}

func (f *fixture) unit(name, typ string, parent int64) int64 {
	return f.get(store.TableReportingUnit, upsert.Values{"name": name}, upsert.Values{
		"reporting_unit_type_id": f.enum(store.TableReportingUnitType, typ),
		"parent_id":              parent,
	})
}

func (f *fixture) contest(name string) int64 {
	id := f.get(store.TableCandidateContest, upsert.Values{"name": name}, nil)
	f.get(store.TableElectionContestJoin, upsert.Values{"election_id": f.election, "contest_id": id}, nil)
	return id
}

func (f *fixture) selection(contest int64, candidate string) int64 {
	cand := f.get(store.TableCandidate, upsert.Values{"ballot_name": candidate}, nil)
	id := f.get(store.TableCandidateSelection, upsert.Values{"candidate_id": cand, "party_id": int64(0)}, nil)
	f.get(store.TableContestSelectionJoin, upsert.Values{"contest_id": contest, "selection_id": id}, nil)
	return id
}

func (f *fixture) count(contest, selection, unit int64, countType string, n int64) {
	f.t.Helper()
	_, err := f.db.Exec(f.ctx, `INSERT INTO vote_count
	(contest_id, selection_id, reporting_unit_id, count_item_type_id, election_id, datafile_id, count)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		contest, selection, unit, f.enum(store.TableCountItemType, countType), f.election, f.datafile, n)
	if err != nil {
		f.t.Fatalf("insert vote count: %v", err)
	}
}

// ncWake builds North Carolina > Wake County > Precinct 01/02 plus a
// neighbouring root whose name shares a prefix.
type ncWake struct {
	*fixture
	nc, wake, p01, p02, durham, d01 int64
	pres, doe, roe                  int64
}

func newNCWake(t *testing.T) *ncWake {
	f := newFixture(t)
	w := &ncWake{fixture: f}
	w.nc = f.unit("North Carolina", "state", 0)
	w.wake = f.unit("North Carolina;Wake County", "county", w.nc)
	w.p01 = f.unit("North Carolina;Wake County;Precinct 01", "precinct", w.wake)
	w.p02 = f.unit("North Carolina;Wake County;Precinct 02", "precinct", w.wake)
	w.durham = f.unit("North Carolina;Durham County", "county", w.nc)
	w.d01 = f.unit("North Carolina;Durham County;Precinct 01", "precinct", w.durham)
	w.pres = f.contest("US President")
	w.doe = f.selection(w.pres, "Jane Doe")
	w.roe = f.selection(w.pres, "Rick Roe")
	return w
}

var ignoreIDs = cmpopts.IgnoreFields(rollup.Row{}, "ContestID", "UnitID", "SelectionID")

func TestRollup_ScenarioB(t *testing.T) {
	w := newNCWake(t)
	w.count(w.pres, w.doe, w.p01, "total", 500)
	w.count(w.pres, w.doe, w.p02, "total", 300)

	// A unit outside the root whose name starts with the root's name.
	other := w.unit("North Carolinas", "state", 0)
	w.count(w.pres, w.doe, other, "total", 99)

	got, err := rollup.Rollup(w.ctx, w.db, rollup.Request{
		Election: election, Root: "North Carolina", Level: "county",
	})
	if err != nil {
		t.Fatalf("Rollup() error = %v", err)
	}
	want := []rollup.Row{{Contest: "US President", ReportingUnit: "North Carolina;Wake County", Count: 800}}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("Rollup mismatch (-want +got):\n%s", diff)
	}
	if got[0].UnitID != w.wake || got[0].ContestID != w.pres {
		t.Errorf("row ids = (%d, %d), want (%d, %d)", got[0].ContestID, got[0].UnitID, w.pres, w.wake)
	}
}

func TestRollup_TotalAndGranular(t *testing.T) {
	w := newNCWake(t)
	// Precinct 01 reports a total and a full breakdown.
	w.count(w.pres, w.doe, w.p01, "total", 500)
	w.count(w.pres, w.doe, w.p01, "absentee-mail", 200)
	w.count(w.pres, w.doe, w.p01, "election-day", 300)
	// Precinct 02 reports only a breakdown; Durham only a total.
	w.count(w.pres, w.doe, w.p02, "absentee-mail", 10)
	w.count(w.pres, w.doe, w.p02, "election-day", 20)
	w.count(w.pres, w.doe, w.d01, "total", 70)

	tests := []struct {
		name string
		req  rollup.Request
		want []rollup.Row
	}{
		{
			name: "no breakdown prefers total",
			req:  rollup.Request{Level: "county"},
			want: []rollup.Row{
				{Contest: "US President", ReportingUnit: "North Carolina;Durham County", Count: 70},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", Count: 530},
			},
		},
		{
			name: "no breakdown excluding total uses granular sums",
			req:  rollup.Request{Level: "county", ExcludeTotalType: true},
			want: []rollup.Row{
				{Contest: "US President", ReportingUnit: "North Carolina;Durham County", Count: 70},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", Count: 530},
			},
		},
		{
			name: "by vote type keeps totals",
			req:  rollup.Request{Level: "county", ByVoteType: true},
			want: []rollup.Row{
				{Contest: "US President", ReportingUnit: "North Carolina;Durham County", CountItemType: "total", Count: 70},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", CountItemType: "absentee-mail", Count: 210},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", CountItemType: "election-day", Count: 320},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", CountItemType: "total", Count: 500},
			},
		},
		{
			name: "by vote type excluding total",
			req:  rollup.Request{Level: "county", ByVoteType: true, ExcludeTotalType: true},
			want: []rollup.Row{
				{Contest: "US President", ReportingUnit: "North Carolina;Durham County", CountItemType: "total", Count: 70},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", CountItemType: "absentee-mail", Count: 210},
				{Contest: "US President", ReportingUnit: "North Carolina;Wake County", CountItemType: "election-day", Count: 320},
			},
		},
		{
			name: "empty level groups to root",
			req:  rollup.Request{},
			want: []rollup.Row{
				{Contest: "US President", ReportingUnit: "North Carolina", Count: 600},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Election = election
			tt.req.Root = "North Carolina"
			got, err := rollup.Rollup(w.ctx, w.db, tt.req)
			if err != nil {
				t.Fatalf("Rollup() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got, ignoreIDs); diff != "" {
				t.Errorf("Rollup mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRollup_BySelectionAndContestFilter(t *testing.T) {
	w := newNCWake(t)
	gov := w.contest("Governor")
	stein := w.selection(gov, "Josh Stein")
	w.count(w.pres, w.doe, w.p01, "total", 5)
	w.count(w.pres, w.roe, w.p01, "total", 7)
	w.count(w.pres, w.roe, w.p02, "total", 1)
	w.count(gov, stein, w.p01, "total", 9)

	got, err := rollup.Rollup(w.ctx, w.db, rollup.Request{
		Election: election, Root: "North Carolina;Wake County", Level: "county",
		BySelection: true, Contest: "US President",
	})
	if err != nil {
		t.Fatalf("Rollup() error = %v", err)
	}
	want := []rollup.Row{
		{Contest: "US President", ReportingUnit: "North Carolina;Wake County", Selection: "Jane Doe", Count: 5},
		{Contest: "US President", ReportingUnit: "North Carolina;Wake County", Selection: "Rick Roe", Count: 8},
	}
	if diff := cmp.Diff(want, got, ignoreIDs); diff != "" {
		t.Errorf("Rollup mismatch (-want +got):\n%s", diff)
	}
}

func TestRollup_NotFound(t *testing.T) {
	w := newNCWake(t)
	tests := []rollup.Request{
		{Election: "1800 General", Root: "North Carolina"},
		{Election: election, Root: "Atlantis"},
	}
	for _, req := range tests {
		_, err := rollup.Rollup(w.ctx, w.db, req)
		if !errors.Is(err, rollup.ErrNotFound) {
			t.Errorf("Rollup(%+v) error = %v, want ErrNotFound", req, err)
		}
	}
}

func TestReconcile(t *testing.T) {
	w := newNCWake(t)
	w.count(w.pres, w.doe, w.p01, "total", 500)
	w.count(w.pres, w.doe, w.p01, "absentee-mail", 200)
	w.count(w.pres, w.doe, w.p01, "election-day", 300)
	w.count(w.pres, w.roe, w.p01, "total", 10)
	w.count(w.pres, w.roe, w.p01, "election-day", 10)
	// Only a total: nothing to check.
	w.count(w.pres, w.doe, w.p02, "total", 42)

	res, err := rollup.Reconcile(w.ctx, w.db, election, "North Carolina")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !res.Pass || res.Checked != 1 || res.Warning() != nil {
		t.Fatalf("Reconcile() = %+v, want pass with 1 checked", res)
	}

	w.count(w.pres, w.doe, w.d01, "total", 100)
	w.count(w.pres, w.doe, w.d01, "early", 60)
	w.count(w.pres, w.doe, w.d01, "election-day", 30)

	res, err = rollup.Reconcile(w.ctx, w.db, election, "North Carolina")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	want := []rollup.Mismatch{{
		Contest: "US President", ReportingUnit: "North Carolina;Durham County;Precinct 01",
		TotalReported: 100, GranularSum: 90,
	}}
	if res.Pass {
		t.Error("Pass = true, want false")
	}
	if diff := cmp.Diff(want, res.Mismatches); diff != "" {
		t.Errorf("mismatches (-want +got):\n%s", diff)
	}
	var warn *rollup.ReconciliationWarning
	if !errors.As(res.Warning(), &warn) || len(warn.Mismatches) != 1 {
		t.Errorf("Warning() = %v, want *ReconciliationWarning", res.Warning())
	}

	// Scoped to Wake County the Durham mismatch is out of view.
	res, err = rollup.Reconcile(w.ctx, w.db, election, "North Carolina;Wake County")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !res.Pass {
		t.Errorf("Reconcile(Wake) = %+v, want pass", res)
	}
}

func TestUnknownContests(t *testing.T) {
	w := newNCWake(t)
	insert := func(element, raw string, contest int64, disposition string, rows int) {
		t.Helper()
		_, err := w.db.Exec(w.ctx, `INSERT INTO unresolved_value
	(datafile_id, element, raw_value, contest_id, disposition, row_count, first_row)
	VALUES ($1, $2, $3, $4, $5, $6, 2)`, w.datafile, element, raw, contest, disposition, rows)
		if err != nil {
			t.Fatalf("insert unresolved: %v", err)
		}
	}
	insert("Candidate", "SMITH, JOE", w.pres, "unknown", 3)
	insert("Party", "LIB", w.pres, "unknown", 1)
	insert("ReportingUnit", "Waake;03", 0, "excluded", 4)

	got, err := rollup.UnknownContests(w.ctx, w.db, election)
	if err != nil {
		t.Fatalf("UnknownContests() error = %v", err)
	}
	want := []rollup.UnknownValue{
		{Contest: "US President", Element: "Candidate", Raw: "SMITH, JOE", Rows: 3, Files: 1},
		{Contest: "US President", Element: "Party", Raw: "LIB", Rows: 1, Files: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UnknownContests mismatch (-want +got):\n%s", diff)
	}
}
