package canon

import "strings"

// StateTable maps US postal abbreviations to state names. Build it once with
// NewStateTable and pass it to the rules that need it.
type StateTable struct {
	byAbbrev map[string]string
	byName   map[string]string
}

// NewStateTable returns the table of US states, DC and territories.
func NewStateTable() *StateTable {
	names := map[string]string{
		"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas",
		"CA": "California", "CO": "Colorado", "CT": "Connecticut", "DE": "Delaware",
		"FL": "Florida", "GA": "Georgia", "HI": "Hawaii", "ID": "Idaho",
		"IL": "Illinois", "IN": "Indiana", "IA": "Iowa", "KS": "Kansas",
		"KY": "Kentucky", "LA": "Louisiana", "ME": "Maine", "MD": "Maryland",
		"MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota", "MS": "Mississippi",
		"MO": "Missouri", "MT": "Montana", "NE": "Nebraska", "NV": "Nevada",
		"NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico", "NY": "New York",
		"NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio", "OK": "Oklahoma",
		"OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina",
		"SD": "South Dakota", "TN": "Tennessee", "TX": "Texas", "UT": "Utah",
		"VT": "Vermont", "VA": "Virginia", "WA": "Washington", "WV": "West Virginia",
		"WI": "Wisconsin", "WY": "Wyoming", "DC": "District of Columbia",
		"PR": "Puerto Rico", "GU": "Guam", "VI": "Virgin Islands",
		"AS": "American Samoa", "MP": "Northern Mariana Islands",
	}
	t := &StateTable{byAbbrev: names, byName: make(map[string]string, len(names))}
	for abbr, name := range names {
		t.byName[strings.ToLower(name)] = abbr
	}
	return t
}

// Name returns the state name for a postal abbreviation (case-insensitive).
func (t *StateTable) Name(abbrev string) (string, bool) {
	n, ok := t.byAbbrev[strings.ToUpper(strings.TrimSpace(abbrev))]
	return n, ok
}

// Abbrev returns the postal abbreviation for a state name (case-insensitive).
func (t *StateTable) Abbrev(name string) (string, bool) {
	a, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}
