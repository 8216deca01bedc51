package canon

import (
	"fmt"
	"sort"

	"github.com/JonMunkholm/cdf/internal/munger"
)

// Result is the outcome of canonicalizing one raw value.
type Result struct {
	Name     string
	Resolved bool
}

// Canonicalizer resolves raw values for one jurisdiction.
type Canonicalizer struct {
	rules *Rules
	dict  *Dictionary
}

// New returns a canonicalizer over an immutable rules and dictionary pair.
func New(rules *Rules, dict *Dictionary) *Canonicalizer {
	if rules == nil {
		rules = NewRules(Corrections{}, nil)
	}
	return &Canonicalizer{rules: rules, dict: dict}
}

// Canonicalize maps raw to the element's internal name. Unresolved is not an
// error; callers decide whether the row is excluded or loads as Unknown.
func (c *Canonicalizer) Canonicalize(raw string, el Element) Result {
	corrected := c.rules.Apply(el, raw)
	if corrected == "" {
		return Result{}
	}
	if name, ok := c.dict.Lookup(el, corrected); ok {
		return Result{Name: name, Resolved: true}
	}
	return Result{}
}

// ContestKind distinguishes the two contest tables.
type ContestKind int

const (
	CandidateKind ContestKind = iota + 1
	BallotMeasureKind
)

func (k ContestKind) String() string {
	switch k {
	case CandidateKind:
		return "candidate"
	case BallotMeasureKind:
		return "ballot_measure"
	}
	return "unknown"
}

// Record is one canonical long-format row ready for storage.
type Record struct {
	Line          int
	ReportingUnit string
	ContestKind   ContestKind
	Contest       string
	Selection     string // candidate ballot name or ballot-measure selection
	Party         string // empty when the source names none
	CountItemType string
	Count         int64
}

// Issue is one unresolved value found while resolving a row.
type Issue struct {
	Element     Element
	Raw         string
	Disposition Disposition
	Contest     string // resolved contest, if any, for unknown selections
}

// MungerProblems lists reasons a munger cannot drive canonicalization.
func MungerProblems(m *munger.Munger) []string {
	var probs []string
	has := func(el Element) bool {
		_, f := m.Formula(string(el))
		_, c := m.Constants[string(el)]
		return f || c
	}
	for name := range m.Elements {
		if !Element(name).Valid() {
			probs = append(probs, fmt.Sprintf("unknown element %q in elements", name))
		}
	}
	for name := range m.Constants {
		if !Element(name).Valid() {
			probs = append(probs, fmt.Sprintf("unknown element %q in constants", name))
		}
	}
	if !has(ReportingUnit) {
		probs = append(probs, "no ReportingUnit formula or constant")
	}
	if !has(CandidateContest) && !has(BallotMeasureContest) {
		probs = append(probs, "no CandidateContest or BallotMeasureContest formula or constant")
	}
	if has(CandidateContest) && !has(Candidate) {
		probs = append(probs, "CandidateContest needs a Candidate formula or constant")
	}
	if has(BallotMeasureContest) && !has(BallotMeasureSelection) {
		probs = append(probs, "BallotMeasureContest needs a BallotMeasureSelection formula or constant")
	}
	sort.Strings(probs)
	return probs
}

// ResolveRow canonicalizes every element of one munged row. ok is false when
// a critical element did not resolve; the issues say which.
func (c *Canonicalizer) ResolveRow(m *munger.Munger, row munger.Row) (rec Record, issues []Issue, ok bool) {
	raw := func(el Element) (string, bool) {
		if f, found := m.Formula(string(el)); found {
			return f.Eval(row.Fields), true
		}
		if v, found := m.Constants[string(el)]; found {
			return v, true
		}
		return "", false
	}

	rec = Record{Line: row.Line, Count: row.Count}

	ruRaw, _ := raw(ReportingUnit)
	ru := c.Canonicalize(ruRaw, ReportingUnit)
	if !ru.Resolved {
		issues = append(issues, Issue{Element: ReportingUnit, Raw: ruRaw, Disposition: Excluded})
	}
	rec.ReportingUnit = ru.Name

	ccRaw, hasCC := raw(CandidateContest)
	bmRaw, hasBM := raw(BallotMeasureContest)
	var cc, bm Result
	if hasCC {
		cc = c.Canonicalize(ccRaw, CandidateContest)
	}
	if hasBM {
		bm = c.Canonicalize(bmRaw, BallotMeasureContest)
	}
	switch {
	case cc.Resolved:
		rec.ContestKind, rec.Contest = CandidateKind, cc.Name
	case bm.Resolved:
		rec.ContestKind, rec.Contest = BallotMeasureKind, bm.Name
	default:
		if hasCC {
			issues = append(issues, Issue{Element: CandidateContest, Raw: ccRaw, Disposition: Excluded})
		}
		if hasBM {
			issues = append(issues, Issue{Element: BallotMeasureContest, Raw: bmRaw, Disposition: Excluded})
		}
	}

	if !ru.Resolved || rec.ContestKind == 0 {
		return rec, issues, false
	}

	selEl := Candidate
	if rec.ContestKind == BallotMeasureKind {
		selEl = BallotMeasureSelection
	}
	selRaw, _ := raw(selEl)
	if sel := c.Canonicalize(selRaw, selEl); sel.Resolved {
		rec.Selection = sel.Name
	} else {
		rec.Selection = UnknownName
		issues = append(issues, Issue{Element: selEl, Raw: selRaw, Disposition: Unknown, Contest: rec.Contest})
	}

	if rec.ContestKind == CandidateKind {
		if partyRaw, found := raw(Party); found && partyRaw != "" {
			if p := c.Canonicalize(partyRaw, Party); p.Resolved {
				rec.Party = p.Name
			} else {
				rec.Party = UnknownName
				issues = append(issues, Issue{Element: Party, Raw: partyRaw, Disposition: Unknown, Contest: rec.Contest})
			}
		}
	}

	switch {
	case row.CountType != "":
		rec.CountItemType = row.CountType
	default:
		citRaw, _ := raw(CountItemType)
		if cit := c.Canonicalize(citRaw, CountItemType); cit.Resolved {
			rec.CountItemType = cit.Name
		} else {
			rec.CountItemType = UnknownCountItemType
			issues = append(issues, Issue{Element: CountItemType, Raw: citRaw, Disposition: Unknown, Contest: rec.Contest})
		}
	}

	return rec, issues, true
}
