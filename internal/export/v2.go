package export

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/store"
)

// NamespaceV2 is the XML namespace of v2 election reports.
const NamespaceV2 = "http://itl.nist.gov/ns/voting/1500-100/v2"

// FormatV2 is the reporting granularity written to <Format>.
const FormatV2 = "precinct-level"

// ReportV2 is the root of a v2 XML document.
type ReportV2 struct {
	XMLName  xml.Name   `xml:"http://itl.nist.gov/ns/voting/1500-100/v2 ElectionReport"`
	Format   string     `xml:"Format"`
	Issuer   string     `xml:"Issuer"`
	Election ElectionV2 `xml:"Election"`
	GpUnits  []GpUnitV2 `xml:"GpUnit"`
	Offices  []OfficeV2 `xml:"Office"`
	Parties  []PartyV2  `xml:"Party"`
}

type ElectionV2 struct {
	ObjectID              string                   `xml:"ObjectId,attr"`
	Name                  string                   `xml:"Name"`
	Type                  string                   `xml:"Type"`
	Year                  int64                    `xml:"Year"`
	ElectionScopeID       string                   `xml:"ElectionScopeId"`
	Candidates            []CandidateV2            `xml:"Candidate"`
	CandidateContests     []CandidateContestV2     `xml:"CandidateContest"`
	BallotMeasureContests []BallotMeasureContestV2 `xml:"BallotMeasureContest"`
}

type CandidateV2 struct {
	ObjectID   string `xml:"ObjectId,attr"`
	BallotName string `xml:"BallotName"`
}

type CandidateContestV2 struct {
	ObjectID           string                 `xml:"ObjectId,attr"`
	Name               string                 `xml:"Name"`
	ElectionDistrictID string                 `xml:"ElectionDistrictId,omitempty"`
	NumberElected      int64                  `xml:"NumberElected"`
	OfficeIDs          string                 `xml:"OfficeIds,omitempty"`
	PrimaryPartyIDs    string                 `xml:"PrimaryPartyIds,omitempty"`
	Selections         []CandidateSelectionV2 `xml:"CandidateSelection"`
}

type CandidateSelectionV2 struct {
	ObjectID            string         `xml:"ObjectId,attr"`
	CandidateIDs        string         `xml:"CandidateIds"`
	EndorsementPartyIDs string         `xml:"EndorsementPartyIds,omitempty"`
	VoteCounts          []VoteCountsV2 `xml:"VoteCounts"`
}

type BallotMeasureContestV2 struct {
	ObjectID           string                     `xml:"ObjectId,attr"`
	Name               string                     `xml:"Name"`
	ElectionDistrictID string                     `xml:"ElectionDistrictId,omitempty"`
	Selections         []BallotMeasureSelectionV2 `xml:"BallotMeasureSelection"`
}

type BallotMeasureSelectionV2 struct {
	ObjectID   string         `xml:"ObjectId,attr"`
	Selection  string         `xml:"Selection"`
	VoteCounts []VoteCountsV2 `xml:"VoteCounts"`
}

type VoteCountsV2 struct {
	GpUnitID string `xml:"GpUnitId"`
	Type     string `xml:"Type"`
	Count    int64  `xml:"Count"`
}

// GpUnitV2 is a reporting unit. ComposingGpUnitIds lists its children.
type GpUnitV2 struct {
	ObjectID           string `xml:"ObjectId,attr"`
	Name               string `xml:"Name"`
	Type               string `xml:"Type"`
	ComposingGpUnitIDs string `xml:"ComposingGpUnitIds,omitempty"`
}

type OfficeV2 struct {
	ObjectID            string `xml:"ObjectId,attr"`
	Name                string `xml:"Name"`
	ElectoralDistrictID string `xml:"ElectoralDistrictId,omitempty"`
}

type PartyV2 struct {
	ObjectID string `xml:"ObjectId,attr"`
	Name     string `xml:"Name"`
}

// OID renders a store id as an ObjectId; 0 renders empty.
func OID(id int64) string {
	if id == 0 {
		return ""
	}
	return "oid" + strconv.FormatInt(id, 10)
}

// ParseOID is the inverse of OID.
func ParseOID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(s, "oid")
	if !ok {
		return 0, fmt.Errorf("object id %q: missing oid prefix", s)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("object id %q: %w", s, err)
	}
	return id, nil
}

// ReportV2 converts the snapshot, keeping its id order.
func (s *Snapshot) ReportV2() *ReportV2 {
	r := &ReportV2{
		Format: FormatV2,
		Issuer: s.Jurisdiction,
		Election: ElectionV2{
			ObjectID: OID(s.Election.ID),
			Name:     s.Election.Name,
			Type:     s.Election.Type,
			Year:     s.Election.Year,
		},
	}

	children := make(map[int64][]string)
	for _, u := range s.Units {
		if u.Name == s.Jurisdiction {
			r.Election.ElectionScopeID = OID(u.ID)
		}
		if u.ParentID != 0 {
			children[u.ParentID] = append(children[u.ParentID], OID(u.ID))
		}
	}
	for _, u := range s.Units {
		r.GpUnits = append(r.GpUnits, GpUnitV2{
			ObjectID:           OID(u.ID),
			Name:               u.Name,
			Type:               u.Type,
			ComposingGpUnitIDs: strings.Join(children[u.ID], " "),
		})
	}

	offices := make(map[int64]Office, len(s.Offices))
	for _, o := range s.Offices {
		offices[o.ID] = o
		r.Offices = append(r.Offices, OfficeV2{
			ObjectID:            OID(o.ID),
			Name:                o.Name,
			ElectoralDistrictID: OID(o.DistrictID),
		})
	}
	for _, p := range s.Parties {
		r.Parties = append(r.Parties, PartyV2{ObjectID: OID(p.ID), Name: p.Name})
	}
	for _, c := range s.Candidates {
		r.Election.Candidates = append(r.Election.Candidates, CandidateV2{ObjectID: OID(c.ID), BallotName: c.BallotName})
	}

	counts := s.countsBySelection()
	voteCounts := func(contest, selection int64) []VoteCountsV2 {
		var out []VoteCountsV2
		for _, n := range counts[selectionKey{contest, selection}] {
			out = append(out, VoteCountsV2{GpUnitID: OID(n.UnitID), Type: n.Type, Count: n.Count})
		}
		return out
	}

	for _, c := range s.Contests {
		if c.Kind == KindBallotMeasure {
			bc := BallotMeasureContestV2{
				ObjectID:           OID(c.ID),
				Name:               c.Name,
				ElectionDistrictID: OID(c.DistrictID),
			}
			for _, sel := range c.Selections {
				bc.Selections = append(bc.Selections, BallotMeasureSelectionV2{
					ObjectID:   OID(sel.ID),
					Selection:  sel.Name,
					VoteCounts: voteCounts(c.ID, sel.ID),
				})
			}
			r.Election.BallotMeasureContests = append(r.Election.BallotMeasureContests, bc)
			continue
		}
		cc := CandidateContestV2{
			ObjectID:           OID(c.ID),
			Name:               c.Name,
			ElectionDistrictID: OID(offices[c.OfficeID].DistrictID),
			NumberElected:      c.NumberElected,
			OfficeIDs:          OID(c.OfficeID),
			PrimaryPartyIDs:    OID(c.PrimaryPartyID),
		}
		for _, sel := range c.Selections {
			cc.Selections = append(cc.Selections, CandidateSelectionV2{
				ObjectID:            OID(sel.ID),
				CandidateIDs:        OID(sel.CandidateID),
				EndorsementPartyIDs: OID(sel.PartyID),
				VoteCounts:          voteCounts(c.ID, sel.ID),
			})
		}
		r.Election.CandidateContests = append(r.Election.CandidateContests, cc)
	}
	return r
}

// EncodeV2 renders the snapshot as an indented v2 XML document with an XML
// declaration, ending in a newline.
func EncodeV2(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(s.ReportV2()); err != nil {
		return nil, fmt.Errorf("encode v2: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ExportV2 loads the snapshot and encodes it as v2.
func ExportV2(ctx context.Context, q store.Querier, election, jurisdiction string) ([]byte, error) {
	s, err := LoadSnapshot(ctx, q, election, jurisdiction)
	if err != nil {
		return nil, err
	}
	out, err := EncodeV2(s)
	if err != nil {
		return nil, err
	}
	metrics.Exports.WithLabelValues("v2").Inc()
	return out, nil
}

// DecodeV2 parses a v2 document back into a snapshot with the document's
// ids.
func DecodeV2(data []byte) (*Snapshot, error) {
	var r ReportV2
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode v2: %w", err)
	}
	s, err := r.snapshot()
	if err != nil {
		return nil, fmt.Errorf("decode v2: %w", err)
	}
	return s, nil
}

// oids collects ParseOID errors so conversion code stays linear.
type oids struct{ err error }

func (o *oids) parse(s string) int64 {
	if o.err != nil {
		return 0
	}
	id, err := ParseOID(s)
	if err != nil {
		o.err = err
	}
	return id
}

// first parses the first id of a space-separated list.
func (o *oids) first(list string) int64 {
	f := strings.Fields(list)
	if len(f) == 0 {
		return 0
	}
	return o.parse(f[0])
}

func (r *ReportV2) snapshot() (*Snapshot, error) {
	var o oids
	s := &Snapshot{
		Jurisdiction: r.Issuer,
		Election: Election{
			ID:   o.parse(r.Election.ObjectID),
			Name: r.Election.Name,
			Type: r.Election.Type,
			Year: r.Election.Year,
		},
	}

	parents := make(map[int64]int64)
	for _, u := range r.GpUnits {
		id := o.parse(u.ObjectID)
		for _, child := range strings.Fields(u.ComposingGpUnitIDs) {
			parents[o.parse(child)] = id
		}
	}
	for _, u := range r.GpUnits {
		id := o.parse(u.ObjectID)
		s.Units = append(s.Units, Unit{ID: id, Name: u.Name, Type: u.Type, ParentID: parents[id]})
	}
	for _, off := range r.Offices {
		s.Offices = append(s.Offices, Office{ID: o.parse(off.ObjectID), Name: off.Name, DistrictID: o.parse(off.ElectoralDistrictID)})
	}
	for _, p := range r.Parties {
		s.Parties = append(s.Parties, Party{ID: o.parse(p.ObjectID), Name: p.Name})
	}
	for _, c := range r.Election.Candidates {
		s.Candidates = append(s.Candidates, Candidate{ID: o.parse(c.ObjectID), BallotName: c.BallotName})
	}

	addCounts := func(contest, selection int64, vcs []VoteCountsV2) {
		for _, vc := range vcs {
			s.Counts = append(s.Counts, Count{
				ContestID:   contest,
				SelectionID: selection,
				UnitID:      o.parse(vc.GpUnitID),
				Type:        vc.Type,
				Count:       vc.Count,
			})
		}
	}
	for _, cc := range r.Election.CandidateContests {
		c := Contest{
			ID:             o.parse(cc.ObjectID),
			Kind:           KindCandidate,
			Name:           cc.Name,
			OfficeID:       o.first(cc.OfficeIDs),
			NumberElected:  cc.NumberElected,
			PrimaryPartyID: o.first(cc.PrimaryPartyIDs),
		}
		for _, sel := range cc.Selections {
			id := o.parse(sel.ObjectID)
			c.Selections = append(c.Selections, Selection{
				ID:          id,
				CandidateID: o.first(sel.CandidateIDs),
				PartyID:     o.first(sel.EndorsementPartyIDs),
			})
			addCounts(c.ID, id, sel.VoteCounts)
		}
		s.Contests = append(s.Contests, c)
	}
	for _, bc := range r.Election.BallotMeasureContests {
		c := Contest{
			ID:         o.parse(bc.ObjectID),
			Kind:       KindBallotMeasure,
			Name:       bc.Name,
			DistrictID: o.parse(bc.ElectionDistrictID),
		}
		for _, sel := range bc.Selections {
			id := o.parse(sel.ObjectID)
			c.Selections = append(c.Selections, Selection{ID: id, Name: sel.Selection})
			addCounts(c.ID, id, sel.VoteCounts)
		}
		s.Contests = append(s.Contests, c)
	}
	if o.err != nil {
		return nil, o.err
	}

	sort.Slice(s.Contests, func(i, j int) bool { return s.Contests[i].ID < s.Contests[j].ID })
	sortCounts(s.Counts)
	return s, nil
}

func sortCounts(cs []Count) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.ContestID != b.ContestID {
			return a.ContestID < b.ContestID
		}
		if a.SelectionID != b.SelectionID {
			return a.SelectionID < b.SelectionID
		}
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		return a.Type < b.Type
	})
}
