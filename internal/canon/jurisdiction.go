package canon

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/cdf/internal/store"
)

// File names inside a jurisdiction directory.
const (
	JurisdictionFile = "jurisdiction.yaml"
	DictionaryFile   = "dictionary.txt"
)

// DefaultUnitType is used for reporting units with no declared type.
const DefaultUnitType = "other"

// Unit is a reporting-unit definition.
type Unit struct {
	Name string
	Type string
}

// OfficeDef is an office definition.
type OfficeDef struct {
	Name             string
	ElectionDistrict string
}

// CandidateContestDef is a candidate-contest definition.
type CandidateContestDef struct {
	Name          string
	NumberElected int
	Office        string
	PrimaryParty  string
}

// BallotMeasureContestDef is a ballot-measure contest definition.
type BallotMeasureContestDef struct {
	Name             string
	ElectionDistrict string
}

// ExternalID records an identifier an element is known by in another system.
type ExternalID struct {
	Element        Element
	InternalName   string
	IdentifierType string
	Value          string
}

// Jurisdiction is everything loaded from one jurisdiction directory. It is
// immutable after loading.
type Jurisdiction struct {
	Name     string
	RootType string
	Dir      string

	Rules      *Rules
	Dictionary *Dictionary

	Units                 []Unit
	Parties               []string
	Offices               []OfficeDef
	CandidateContests     []CandidateContestDef
	BallotMeasureContests []BallotMeasureContestDef
	Candidates            []string
	ExternalIDs           []ExternalID

	unitTypes map[string]string
}

type jurisdictionFile struct {
	Name              string      `yaml:"name"`
	ReportingUnitType string      `yaml:"reporting_unit_type"`
	Corrections       Corrections `yaml:"corrections"`
}

// Canonicalizer returns a canonicalizer over the jurisdiction's rules and
// dictionary.
func (j *Jurisdiction) Canonicalizer() *Canonicalizer {
	return New(j.Rules, j.Dictionary)
}

// UnitType returns the declared type of a reporting unit. The jurisdiction
// root has RootType; undeclared units are DefaultUnitType.
func (j *Jurisdiction) UnitType(name string) string {
	if t, ok := j.unitTypes[name]; ok {
		return t
	}
	if name == j.Name {
		return j.RootType
	}
	return DefaultUnitType
}

// LoadJurisdiction reads a jurisdiction directory. states backs the
// expand_state_abbreviations correction.
func LoadJurisdiction(dir string, states *StateTable) (*Jurisdiction, error) {
	data, err := os.ReadFile(filepath.Join(dir, JurisdictionFile))
	if err != nil {
		return nil, fmt.Errorf("load jurisdiction: %w", err)
	}
	var jf jurisdictionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&jf); err != nil {
		return nil, fmt.Errorf("load jurisdiction %s: %w", dir, err)
	}
	jf.Name = strings.TrimSpace(jf.Name)
	if jf.Name == "" {
		return nil, fmt.Errorf("load jurisdiction %s: name is required", dir)
	}
	if strings.Contains(jf.Name, ";") {
		return nil, fmt.Errorf("load jurisdiction %s: name %q must be a root reporting unit", dir, jf.Name)
	}
	if jf.ReportingUnitType == "" {
		jf.ReportingUnitType = "state"
	}
	for el := range jf.Corrections.Overrides {
		if !el.Valid() {
			return nil, fmt.Errorf("load jurisdiction %s: overrides: unknown element %q", dir, el)
		}
	}

	dict, err := LoadDictionary(filepath.Join(dir, DictionaryFile))
	if err != nil {
		return nil, fmt.Errorf("load jurisdiction: %w", err)
	}
	if err := checkCountItemTypes(dict); err != nil {
		return nil, fmt.Errorf("load jurisdiction %s: %w", dir, err)
	}

	j := &Jurisdiction{
		Name:       jf.Name,
		RootType:   jf.ReportingUnitType,
		Dir:        dir,
		Rules:      NewRules(jf.Corrections, states),
		Dictionary: dict,
		unitTypes:  make(map[string]string),
	}
	if err := j.loadElements(); err != nil {
		return nil, fmt.Errorf("load jurisdiction %s: %w", dir, err)
	}
	return j, nil
}

// checkCountItemTypes rejects dictionary entries whose CountItemType name is
// not in the seeded enumeration.
func checkCountItemTypes(d *Dictionary) error {
	known := make(map[string]bool)
	for _, t := range store.Enumerations[store.TableCountItemType] {
		known[t] = true
	}
	var bad []string
	for _, n := range d.Names(CountItemType) {
		if !known[n] {
			bad = append(bad, strconv.Quote(n))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("dictionary: %s not a CountItemType value", strings.Join(bad, ", "))
	}
	return nil
}

// LoadJurisdictions loads every subdirectory of root holding a
// jurisdiction.yaml, keyed by jurisdiction name.
func LoadJurisdictions(root string, states *StateTable) (map[string]*Jurisdiction, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("load jurisdictions: %w", err)
	}
	out := make(map[string]*Jurisdiction)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, JurisdictionFile)); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		j, err := LoadJurisdiction(dir, states)
		if err != nil {
			return nil, err
		}
		if _, dup := out[j.Name]; dup {
			return nil, fmt.Errorf("load jurisdictions: %q defined twice", j.Name)
		}
		out[j.Name] = j
	}
	return out, nil
}

// elementTable reads <element>.txt; a missing file yields no rows.
func (j *Jurisdiction) elementTable(el Element, required ...string) ([]map[string]string, error) {
	f, err := os.Open(filepath.Join(j.Dir, string(el)+".txt"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := readTSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s.txt: %w", el, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	idx := headerIndex(records[0])
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%s.txt: missing required column %q", el, col)
		}
	}
	var rows []map[string]string
	for _, rec := range records[1:] {
		row := make(map[string]string, len(idx))
		empty := true
		for col, i := range idx {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
				if row[col] != "" {
					empty = false
				}
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (j *Jurisdiction) loadElements() error {
	units, err := j.elementTable(ReportingUnit, "Name", "ReportingUnitType")
	if err != nil {
		return err
	}
	for _, r := range units {
		u := Unit{Name: r["Name"], Type: r["ReportingUnitType"]}
		if u.Name != j.Name && !strings.HasPrefix(u.Name, j.Name+";") {
			return fmt.Errorf("ReportingUnit.txt: %q is not under %q", u.Name, j.Name)
		}
		if u.Type == "" {
			u.Type = DefaultUnitType
		}
		j.Units = append(j.Units, u)
		j.unitTypes[u.Name] = u.Type
	}

	parties, err := j.elementTable(Party, "Name")
	if err != nil {
		return err
	}
	for _, r := range parties {
		j.Parties = append(j.Parties, r["Name"])
	}

	offices, err := j.elementTable(Office, "Name", "ElectionDistrict")
	if err != nil {
		return err
	}
	for _, r := range offices {
		j.Offices = append(j.Offices, OfficeDef{Name: r["Name"], ElectionDistrict: r["ElectionDistrict"]})
	}

	ccs, err := j.elementTable(CandidateContest, "Name", "Office")
	if err != nil {
		return err
	}
	for _, r := range ccs {
		n := 1
		if s := r["NumberElected"]; s != "" {
			if n, err = strconv.Atoi(s); err != nil || n < 1 {
				return fmt.Errorf("CandidateContest.txt: %q: bad NumberElected %q", r["Name"], s)
			}
		}
		j.CandidateContests = append(j.CandidateContests, CandidateContestDef{
			Name: r["Name"], NumberElected: n, Office: r["Office"], PrimaryParty: r["PrimaryParty"],
		})
	}

	bmcs, err := j.elementTable(BallotMeasureContest, "Name", "ElectionDistrict")
	if err != nil {
		return err
	}
	for _, r := range bmcs {
		j.BallotMeasureContests = append(j.BallotMeasureContests, BallotMeasureContestDef{
			Name: r["Name"], ElectionDistrict: r["ElectionDistrict"],
		})
	}

	cands, err := j.elementTable(Candidate, "BallotName")
	if err != nil {
		return err
	}
	for _, r := range cands {
		j.Candidates = append(j.Candidates, r["BallotName"])
	}

	ext, err := j.elementTable("ExternalIdentifier", "Element", "InternalName", "IdentifierType", "Value")
	if err != nil {
		return err
	}
	for _, r := range ext {
		el := Element(r["Element"])
		if !el.Valid() {
			return fmt.Errorf("ExternalIdentifier.txt: unknown element %q", el)
		}
		j.ExternalIDs = append(j.ExternalIDs, ExternalID{
			Element: el, InternalName: r["InternalName"], IdentifierType: r["IdentifierType"], Value: r["Value"],
		})
	}

	sort.Slice(j.Units, func(a, b int) bool { return j.Units[a].Name < j.Units[b].Name })
	return nil
}
