// Package canon maps raw source labels to canonical CDF element names.
//
// Canonicalization is a pure function of the raw value, the element type and
// one jurisdiction's correction rules and dictionary snapshot. Values that do
// not resolve are reported, never guessed.
package canon

// Element is a CDF element type as named in dictionaries and mungers.
type Element string

const (
	ReportingUnit          Element = "ReportingUnit"
	Party                  Element = "Party"
	Office                 Element = "Office"
	CandidateContest       Element = "CandidateContest"
	BallotMeasureContest   Element = "BallotMeasureContest"
	Candidate              Element = "Candidate"
	BallotMeasureSelection Element = "BallotMeasureSelection"
	CountItemType          Element = "CountItemType"
	Election               Element = "Election"
)

// Elements lists every element a dictionary or munger may name.
var Elements = []Element{
	ReportingUnit, Party, Office, CandidateContest, BallotMeasureContest,
	Candidate, BallotMeasureSelection, CountItemType, Election,
}

// UnknownName is the placeholder for non-critical values that did not
// resolve.
const UnknownName = "Unknown"

// UnknownCountItemType is the CountItemType placeholder.
const UnknownCountItemType = "unknown"

// Critical reports whether an unresolved value of this element excludes the
// row rather than loading it under a placeholder.
func (e Element) Critical() bool {
	switch e {
	case ReportingUnit, CandidateContest, BallotMeasureContest:
		return true
	}
	return false
}

// Valid reports whether e is a known element.
func (e Element) Valid() bool {
	for _, k := range Elements {
		if k == e {
			return true
		}
	}
	return false
}
