package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// FormatV1 is the version string of v1 documents.
const FormatV1 = "cdf-results/v1"

// ImportMunger is the munger name recorded on data files created by ImportV1.
const ImportMunger = "import-v1"

// ErrUnsupportedVersion is returned when decoding a document of another
// version.
var ErrUnsupportedVersion = errors.New("unsupported document version")

// DocumentV1 is the v1 JSON document. Every reference is by name, so a
// document can be imported into a store with different ids.
type DocumentV1 struct {
	Version        string      `json:"version"`
	Election       ElectionV1  `json:"election"`
	Jurisdiction   string      `json:"jurisdiction"`
	ReportingUnits []UnitV1    `json:"reporting_units"`
	Contests       []ContestV1 `json:"contests"`
}

type ElectionV1 struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Year int64  `json:"year"`
}

type UnitV1 struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ContestV1 struct {
	Name          string        `json:"name"`
	Kind          string        `json:"kind"`
	Office        string        `json:"office,omitempty"`
	District      string        `json:"district,omitempty"`
	NumberElected int64         `json:"number_elected,omitempty"`
	PrimaryParty  string        `json:"primary_party,omitempty"`
	Selections    []SelectionV1 `json:"selections"`
}

// SelectionV1 names a candidate (with its party) or a ballot-measure
// selection.
type SelectionV1 struct {
	Name   string    `json:"name"`
	Party  string    `json:"party,omitempty"`
	Counts []CountV1 `json:"counts"`
}

type CountV1 struct {
	ReportingUnit string `json:"reporting_unit"`
	CountItemType string `json:"count_item_type"`
	Count         int64  `json:"count"`
}

type selectionKey struct {
	contest   int64
	selection int64
}

func (s *Snapshot) countsBySelection() map[selectionKey][]Count {
	out := make(map[selectionKey][]Count)
	for _, c := range s.Counts {
		k := selectionKey{c.ContestID, c.SelectionID}
		out[k] = append(out[k], c)
	}
	return out
}

// DocumentV1 converts the snapshot. Units, contests, selections and counts
// are ordered by name so the document does not depend on store ids.
func (s *Snapshot) DocumentV1() *DocumentV1 {
	units := make(map[int64]string, len(s.Units))
	for _, u := range s.Units {
		units[u.ID] = u.Name
	}
	parties := make(map[int64]string, len(s.Parties))
	for _, p := range s.Parties {
		parties[p.ID] = p.Name
	}
	candidates := make(map[int64]string, len(s.Candidates))
	for _, c := range s.Candidates {
		candidates[c.ID] = c.BallotName
	}
	offices := make(map[int64]Office, len(s.Offices))
	for _, o := range s.Offices {
		offices[o.ID] = o
	}
	counts := s.countsBySelection()

	doc := &DocumentV1{
		Version:        FormatV1,
		Election:       ElectionV1{Name: s.Election.Name, Type: s.Election.Type, Year: s.Election.Year},
		Jurisdiction:   s.Jurisdiction,
		ReportingUnits: make([]UnitV1, 0, len(s.Units)),
		Contests:       make([]ContestV1, 0, len(s.Contests)),
	}
	for _, u := range s.Units {
		doc.ReportingUnits = append(doc.ReportingUnits, UnitV1{Name: u.Name, Type: u.Type})
	}
	sort.Slice(doc.ReportingUnits, func(i, j int) bool {
		return doc.ReportingUnits[i].Name < doc.ReportingUnits[j].Name
	})

	for _, c := range s.Contests {
		dc := ContestV1{
			Name:       c.Name,
			Kind:       c.Kind,
			District:   units[c.DistrictID],
			Selections: make([]SelectionV1, 0, len(c.Selections)),
		}
		if c.Kind == KindCandidate {
			o := offices[c.OfficeID]
			dc.Office = o.Name
			dc.District = units[o.DistrictID]
			dc.NumberElected = c.NumberElected
			dc.PrimaryParty = parties[c.PrimaryPartyID]
		}
		for _, sel := range c.Selections {
			ds := SelectionV1{Name: sel.Name, Counts: []CountV1{}}
			if c.Kind == KindCandidate {
				ds.Name = candidates[sel.CandidateID]
				ds.Party = parties[sel.PartyID]
			}
			for _, n := range counts[selectionKey{c.ID, sel.ID}] {
				ds.Counts = append(ds.Counts, CountV1{
					ReportingUnit: units[n.UnitID],
					CountItemType: n.Type,
					Count:         n.Count,
				})
			}
			sort.Slice(ds.Counts, func(i, j int) bool {
				a, b := ds.Counts[i], ds.Counts[j]
				if a.ReportingUnit != b.ReportingUnit {
					return a.ReportingUnit < b.ReportingUnit
				}
				return a.CountItemType < b.CountItemType
			})
			dc.Selections = append(dc.Selections, ds)
		}
		sort.Slice(dc.Selections, func(i, j int) bool {
			a, b := dc.Selections[i], dc.Selections[j]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Party < b.Party
		})
		doc.Contests = append(doc.Contests, dc)
	}
	sort.Slice(doc.Contests, func(i, j int) bool {
		a, b := doc.Contests[i], doc.Contests[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Kind < b.Kind
	})
	return doc
}

// EncodeV1 renders the snapshot as an indented v1 JSON document ending in a
// newline.
func EncodeV1(s *Snapshot) ([]byte, error) {
	return encodeJSON(s.DocumentV1())
}

func encodeJSON(doc *DocumentV1) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode v1: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportV1 loads the snapshot and encodes it as v1.
func ExportV1(ctx context.Context, q store.Querier, election, jurisdiction string) ([]byte, error) {
	s, err := LoadSnapshot(ctx, q, election, jurisdiction)
	if err != nil {
		return nil, err
	}
	out, err := EncodeV1(s)
	if err != nil {
		return nil, err
	}
	metrics.Exports.WithLabelValues("v1").Inc()
	return out, nil
}

// DecodeV1 parses a v1 document. Unknown fields are rejected.
func DecodeV1(data []byte) (*DocumentV1, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc DocumentV1
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode v1: %w", err)
	}
	if doc.Version != FormatV1 {
		return nil, fmt.Errorf("decode v1: %w: %q", ErrUnsupportedVersion, doc.Version)
	}
	return &doc, nil
}

// ImportResult reports what ImportV1 stored.
type ImportResult struct {
	DataFileID int64 `json:"datafile_id"`
	VoteCounts int   `json:"vote_counts"`
}

// ImportV1 stores a v1 document. Elements are get-or-created through eng;
// the counts replace those of the document's data file (keyed by the
// document's content hash) in one transaction, so importing the same
// document twice stores its counts once.
func ImportV1(ctx context.Context, eng *upsert.Engine, db store.DB, doc *DocumentV1) (ImportResult, error) {
	var res ImportResult
	raw, err := json.Marshal(doc)
	if err != nil {
		return res, fmt.Errorf("import v1: %w", err)
	}
	sum := sha256.Sum256(raw)

	im := &importer{eng: eng.WithCache(), units: make(map[string]int64), parties: make(map[string]int64)}
	electionID, err := im.election(ctx, doc.Election)
	if err != nil {
		return res, fmt.Errorf("import v1: %w", err)
	}
	if err := im.reportingUnits(ctx, doc.ReportingUnits); err != nil {
		return res, fmt.Errorf("import v1: %w", err)
	}
	rootID, ok := im.units[doc.Jurisdiction]
	if !ok {
		return res, fmt.Errorf("import v1: jurisdiction %q is not among the reporting units", doc.Jurisdiction)
	}

	type row struct {
		contest, selection, unit, countType, count int64
	}
	var rows []row
	for _, c := range doc.Contests {
		contestID, err := im.contest(ctx, electionID, c)
		if err != nil {
			return res, fmt.Errorf("import v1: %w", err)
		}
		for _, sel := range c.Selections {
			selectionID, err := im.selection(ctx, c.Kind, contestID, sel)
			if err != nil {
				return res, fmt.Errorf("import v1: contest %q: %w", c.Name, err)
			}
			for _, n := range sel.Counts {
				unitID, ok := im.units[n.ReportingUnit]
				if !ok {
					return res, fmt.Errorf("import v1: count for unlisted reporting unit %q", n.ReportingUnit)
				}
				typeID, err := im.enum(ctx, store.TableCountItemType, n.CountItemType)
				if err != nil {
					return res, fmt.Errorf("import v1: %w", err)
				}
				rows = append(rows, row{contestID, selectionID, unitID, typeID, n.Count})
			}
		}
	}

	dfID, err := eng.GetOrCreate(ctx, store.TableDataFile,
		upsert.Values{
			"file_hash":       hex.EncodeToString(sum[:]),
			"election_id":     electionID,
			"jurisdiction_id": rootID,
			"munger":          ImportMunger,
		},
		upsert.Values{"source": "import", "size_bytes": int64(len(raw)), "status": "pending"})
	if err != nil {
		return res, fmt.Errorf("import v1: data file: %w", err)
	}

	err = store.InTx(ctx, db, func(tx store.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM vote_count WHERE datafile_id = $1`, dfID); err != nil {
			return fmt.Errorf("delete previous vote counts: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.Exec(ctx, `INSERT INTO vote_count
(contest_id, selection_id, reporting_unit_id, count_item_type_id, election_id, datafile_id, count)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.contest, r.selection, r.unit, r.countType, electionID, dfID, r.count); err != nil {
				return fmt.Errorf("insert vote count: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `UPDATE datafile SET status = 'loaded', loaded_at = $2, rows_loaded = $3
WHERE id = $1`, dfID, time.Now().UTC().Format(time.RFC3339), int64(len(rows)))
		return err
	})
	if err != nil {
		return res, fmt.Errorf("import v1: %w", err)
	}
	return ImportResult{DataFileID: dfID, VoteCounts: len(rows)}, nil
}

// importer get-or-creates the elements of one document.
type importer struct {
	eng     *upsert.Engine
	units   map[string]int64
	parties map[string]int64
}

func (im *importer) enum(ctx context.Context, table, txt string) (int64, error) {
	id, err := upsert.EnumID(ctx, im.eng, table, txt)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", table, txt, err)
	}
	return id, nil
}

func (im *importer) election(ctx context.Context, e ElectionV1) (int64, error) {
	typ := e.Type
	if typ == "" {
		typ = "general"
	}
	typeID, err := im.enum(ctx, store.TableElectionType, typ)
	if err != nil {
		return 0, err
	}
	id, err := im.eng.GetOrCreate(ctx, store.TableElection,
		upsert.Values{"name": e.Name},
		upsert.Values{"election_type_id": typeID, "year": e.Year})
	if err != nil {
		return 0, fmt.Errorf("election %q: %w", e.Name, err)
	}
	return id, nil
}

// reportingUnits creates units parents first. A unit's parent is the
// listed unit whose name is its own minus the last component.
func (im *importer) reportingUnits(ctx context.Context, units []UnitV1) error {
	sorted := append([]UnitV1(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, u := range sorted {
		typ := u.Type
		if typ == "" {
			typ = "other"
		}
		typeID, err := upsert.EnumID(ctx, im.eng, store.TableReportingUnitType, typ)
		if errors.Is(err, upsert.ErrNotFound) {
			typeID, err = upsert.EnumID(ctx, im.eng, store.TableReportingUnitType, "other")
		}
		if err != nil {
			return fmt.Errorf("reporting unit type %q: %w", typ, err)
		}
		var parentID int64
		if i := strings.LastIndex(u.Name, ";"); i > 0 {
			parentID = im.units[u.Name[:i]]
		}
		id, err := im.eng.GetOrCreate(ctx, store.TableReportingUnit,
			upsert.Values{"name": u.Name},
			upsert.Values{"reporting_unit_type_id": typeID, "parent_id": parentID})
		if err != nil {
			return fmt.Errorf("reporting unit %q: %w", u.Name, err)
		}
		im.units[u.Name] = id
	}
	return nil
}

func (im *importer) party(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}
	if id, ok := im.parties[name]; ok {
		return id, nil
	}
	id, err := im.eng.GetOrCreate(ctx, store.TableParty, upsert.Values{"name": name}, nil)
	if err != nil {
		return 0, fmt.Errorf("party %q: %w", name, err)
	}
	im.parties[name] = id
	return id, nil
}

func (im *importer) contest(ctx context.Context, electionID int64, c ContestV1) (int64, error) {
	district := im.units[c.District]
	var (
		id  int64
		err error
	)
	switch c.Kind {
	case KindCandidate:
		var officeID, partyID int64
		if c.Office != "" {
			officeID, err = im.eng.GetOrCreate(ctx, store.TableOffice,
				upsert.Values{"name": c.Office}, upsert.Values{"election_district_id": district})
			if err != nil {
				return 0, fmt.Errorf("office %q: %w", c.Office, err)
			}
		}
		if partyID, err = im.party(ctx, c.PrimaryParty); err != nil {
			return 0, err
		}
		number := c.NumberElected
		if number == 0 {
			number = 1
		}
		id, err = im.eng.GetOrCreate(ctx, store.TableCandidateContest,
			upsert.Values{"name": c.Name},
			upsert.Values{"office_id": officeID, "number_elected": number, "primary_party_id": partyID})
	case KindBallotMeasure:
		id, err = im.eng.GetOrCreate(ctx, store.TableBallotMeasureContest,
			upsert.Values{"name": c.Name}, upsert.Values{"election_district_id": district})
	default:
		return 0, fmt.Errorf("contest %q: unknown kind %q", c.Name, c.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("contest %q: %w", c.Name, err)
	}
	if _, err := im.eng.GetOrCreate(ctx, store.TableElectionContestJoin,
		upsert.Values{"election_id": electionID, "contest_id": id}, nil); err != nil {
		return 0, fmt.Errorf("contest %q: %w", c.Name, err)
	}
	return id, nil
}

func (im *importer) selection(ctx context.Context, kind string, contestID int64, sel SelectionV1) (int64, error) {
	var (
		id  int64
		err error
	)
	if kind == KindCandidate {
		candidateID, err := im.eng.GetOrCreate(ctx, store.TableCandidate, upsert.Values{"ballot_name": sel.Name}, nil)
		if err != nil {
			return 0, fmt.Errorf("candidate %q: %w", sel.Name, err)
		}
		partyID, err := im.party(ctx, sel.Party)
		if err != nil {
			return 0, err
		}
		id, err = im.eng.GetOrCreate(ctx, store.TableCandidateSelection,
			upsert.Values{"candidate_id": candidateID, "party_id": partyID}, nil)
		if err != nil {
			return 0, fmt.Errorf("selection %q: %w", sel.Name, err)
		}
	} else {
		id, err = im.eng.GetOrCreate(ctx, store.TableBallotMeasureSelection, upsert.Values{"name": sel.Name}, nil)
		if err != nil {
			return 0, fmt.Errorf("selection %q: %w", sel.Name, err)
		}
	}
	if _, err := im.eng.GetOrCreate(ctx, store.TableContestSelectionJoin,
		upsert.Values{"contest_id": contestID, "selection_id": id}, nil); err != nil {
		return 0, fmt.Errorf("selection %q: %w", sel.Name, err)
	}
	return id, nil
}
