package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// ErrOutsideJurisdiction is returned when a resolved reporting unit is not
// the jurisdiction root or one of its descendants.
var ErrOutsideJurisdiction = errors.New("reporting unit outside jurisdiction")

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// electionYear returns year, or the first four-digit year in name.
func electionYear(name string, year int) int {
	if year > 0 {
		return year
	}
	if m := yearPattern.FindString(name); m != "" {
		y, _ := strconv.Atoi(m)
		return y
	}
	return 0
}

// ensureElection get-or-creates the election named by the request.
func ensureElection(ctx context.Context, eng *upsert.Engine, req LoadRequest) (int64, error) {
	name := strings.TrimSpace(req.Election)
	if name == "" {
		return 0, errors.New("election name is required")
	}
	typ := req.ElectionType
	if typ == "" {
		typ = "general"
	}
	typeID, err := upsert.EnumID(ctx, eng, store.TableElectionType, typ)
	if err != nil {
		return 0, fmt.Errorf("election type %q: %w", typ, err)
	}
	id, err := eng.GetOrCreate(ctx, store.TableElection,
		upsert.Values{"name": name},
		upsert.Values{"election_type_id": typeID, "year": int64(electionYear(name, req.Year))})
	if err != nil {
		return 0, fmt.Errorf("election %q: %w", name, err)
	}
	return id, nil
}

type contestRef struct {
	kind canon.ContestKind
	name string
}

type selectionRef struct {
	kind  canon.ContestKind
	name  string
	party string
}

type joinRef struct {
	table string
	a, b  int64
}

// elementSet get-or-creates the dimension elements of one jurisdiction,
// remembering ids for the lifetime of one load or seed.
type elementSet struct {
	eng        *upsert.Engine
	j          *canon.Jurisdiction
	electionID int64 // 0 when seeding without an election

	units      map[string]int64
	parties    map[string]int64
	offices    map[string]int64
	candidates map[string]int64
	contests   map[contestRef]int64
	selections map[selectionRef]int64
	enums      map[string]int64
	joins      map[joinRef]bool

	ccDefs     map[string]canon.CandidateContestDef
	bmDefs     map[string]canon.BallotMeasureContestDef
	officeDefs map[string]canon.OfficeDef
}

func newElementSet(eng *upsert.Engine, j *canon.Jurisdiction, electionID int64) *elementSet {
	e := &elementSet{
		eng:        eng,
		j:          j,
		electionID: electionID,
		units:      make(map[string]int64),
		parties:    make(map[string]int64),
		offices:    make(map[string]int64),
		candidates: make(map[string]int64),
		contests:   make(map[contestRef]int64),
		selections: make(map[selectionRef]int64),
		enums:      make(map[string]int64),
		joins:      make(map[joinRef]bool),
		ccDefs:     make(map[string]canon.CandidateContestDef),
		bmDefs:     make(map[string]canon.BallotMeasureContestDef),
		officeDefs: make(map[string]canon.OfficeDef),
	}
	for _, d := range j.CandidateContests {
		e.ccDefs[d.Name] = d
	}
	for _, d := range j.BallotMeasureContests {
		e.bmDefs[d.Name] = d
	}
	for _, o := range j.Offices {
		e.officeDefs[o.Name] = o
	}
	return e
}

func (e *elementSet) enum(ctx context.Context, table, txt string) (int64, error) {
	k := table + "\x00" + txt
	if id, ok := e.enums[k]; ok {
		return id, nil
	}
	id, err := upsert.EnumID(ctx, e.eng, table, txt)
	if err != nil {
		return 0, err
	}
	e.enums[k] = id
	return id, nil
}

func (e *elementSet) inJurisdiction(name string) bool {
	return name == e.j.Name || strings.HasPrefix(name, e.j.Name+";")
}

// unit get-or-creates a reporting unit and every ancestor on its path.
func (e *elementSet) unit(ctx context.Context, name string) (int64, error) {
	if id, ok := e.units[name]; ok {
		return id, nil
	}
	if !e.inJurisdiction(name) {
		return 0, fmt.Errorf("%w: %q is not under %q", ErrOutsideJurisdiction, name, e.j.Name)
	}

	var parentID int64
	if i := strings.LastIndex(name, ";"); i >= 0 {
		var err error
		if parentID, err = e.unit(ctx, name[:i]); err != nil {
			return 0, err
		}
	}

	typeID, err := e.enum(ctx, store.TableReportingUnitType, e.j.UnitType(name))
	if errors.Is(err, upsert.ErrNotFound) {
		typeID, err = e.enum(ctx, store.TableReportingUnitType, canon.DefaultUnitType)
	}
	if err != nil {
		return 0, fmt.Errorf("reporting unit %q: %w", name, err)
	}

	id, err := e.eng.GetOrCreate(ctx, store.TableReportingUnit,
		upsert.Values{"name": name},
		upsert.Values{"reporting_unit_type_id": typeID, "parent_id": parentID})
	if err != nil {
		return 0, err
	}
	e.units[name] = id
	return id, nil
}

// district returns the id of an election district, or 0 when none is named
// or it lies outside the jurisdiction.
func (e *elementSet) district(ctx context.Context, name string) (int64, error) {
	if name == "" || !e.inJurisdiction(name) {
		return 0, nil
	}
	return e.unit(ctx, name)
}

func (e *elementSet) party(ctx context.Context, name string) (int64, error) {
	if id, ok := e.parties[name]; ok {
		return id, nil
	}
	id, err := e.eng.GetOrCreate(ctx, store.TableParty, upsert.Values{"name": name}, nil)
	if err != nil {
		return 0, err
	}
	e.parties[name] = id
	return id, nil
}

func (e *elementSet) office(ctx context.Context, name string) (int64, error) {
	if id, ok := e.offices[name]; ok {
		return id, nil
	}
	districtID, err := e.district(ctx, e.officeDefs[name].ElectionDistrict)
	if err != nil {
		return 0, err
	}
	id, err := e.eng.GetOrCreate(ctx, store.TableOffice,
		upsert.Values{"name": name},
		upsert.Values{"election_district_id": districtID})
	if err != nil {
		return 0, err
	}
	e.offices[name] = id
	return id, nil
}

func (e *elementSet) candidate(ctx context.Context, ballotName string) (int64, error) {
	if id, ok := e.candidates[ballotName]; ok {
		return id, nil
	}
	id, err := e.eng.GetOrCreate(ctx, store.TableCandidate, upsert.Values{"ballot_name": ballotName}, nil)
	if err != nil {
		return 0, err
	}
	e.candidates[ballotName] = id
	return id, nil
}

// contest get-or-creates a contest row using the jurisdiction's definition
// when there is one, and joins it to the election when one is set.
func (e *elementSet) contest(ctx context.Context, kind canon.ContestKind, name string) (int64, error) {
	ref := contestRef{kind, name}
	id, ok := e.contests[ref]
	if !ok {
		var err error
		if id, err = e.createContest(ctx, kind, name); err != nil {
			return 0, fmt.Errorf("contest %q: %w", name, err)
		}
		e.contests[ref] = id
	}
	if e.electionID != 0 {
		if err := e.join(ctx, store.TableElectionContestJoin, "election_id", e.electionID, "contest_id", id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (e *elementSet) createContest(ctx context.Context, kind canon.ContestKind, name string) (int64, error) {
	if kind == canon.BallotMeasureKind {
		districtID, err := e.district(ctx, e.bmDefs[name].ElectionDistrict)
		if err != nil {
			return 0, err
		}
		return e.eng.GetOrCreate(ctx, store.TableBallotMeasureContest,
			upsert.Values{"name": name},
			upsert.Values{"election_district_id": districtID})
	}

	other := upsert.Values{"number_elected": int64(1)}
	if def, ok := e.ccDefs[name]; ok {
		if def.NumberElected > 0 {
			other["number_elected"] = int64(def.NumberElected)
		}
		if def.Office != "" {
			officeID, err := e.office(ctx, def.Office)
			if err != nil {
				return 0, err
			}
			other["office_id"] = officeID
		}
		if def.PrimaryParty != "" {
			partyID, err := e.party(ctx, def.PrimaryParty)
			if err != nil {
				return 0, err
			}
			other["primary_party_id"] = partyID
		}
	}
	return e.eng.GetOrCreate(ctx, store.TableCandidateContest, upsert.Values{"name": name}, other)
}

// selection get-or-creates the selection of a record and joins it to the
// contest.
func (e *elementSet) selection(ctx context.Context, contestID int64, rec canon.Record) (int64, error) {
	ref := selectionRef{rec.ContestKind, rec.Selection, rec.Party}
	id, ok := e.selections[ref]
	if !ok {
		var err error
		if rec.ContestKind == canon.BallotMeasureKind {
			id, err = e.eng.GetOrCreate(ctx, store.TableBallotMeasureSelection,
				upsert.Values{"name": rec.Selection}, nil)
		} else {
			id, err = e.candidateSelection(ctx, rec.Selection, rec.Party)
		}
		if err != nil {
			return 0, fmt.Errorf("selection %q: %w", rec.Selection, err)
		}
		e.selections[ref] = id
	}
	if err := e.join(ctx, store.TableContestSelectionJoin, "contest_id", contestID, "selection_id", id); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *elementSet) candidateSelection(ctx context.Context, ballotName, party string) (int64, error) {
	candID, err := e.candidate(ctx, ballotName)
	if err != nil {
		return 0, err
	}
	var partyID int64
	if party != "" {
		if partyID, err = e.party(ctx, party); err != nil {
			return 0, err
		}
	}
	return e.eng.GetOrCreate(ctx, store.TableCandidateSelection,
		upsert.Values{"candidate_id": candID, "party_id": partyID}, nil)
}

func (e *elementSet) join(ctx context.Context, table, col1 string, id1 int64, col2 string, id2 int64) error {
	k := joinRef{table, id1, id2}
	if e.joins[k] {
		return nil
	}
	if _, err := e.eng.GetOrCreate(ctx, table, upsert.Values{col1: id1, col2: id2}, nil); err != nil {
		return err
	}
	e.joins[k] = true
	return nil
}
