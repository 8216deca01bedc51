package canon

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Corrections is the jurisdiction.yaml block describing correction rules.
type Corrections struct {
	// CapitalizePrefixes fixes name prefixes such as "Mc" so that
	// "Mcdonald" becomes "McDonald".
	CapitalizePrefixes []string `yaml:"capitalize_prefixes"`

	// Overrides replaces known misspellings, per element, before lookup.
	Overrides map[Element]map[string]string `yaml:"overrides"`

	// ExpandStateAbbreviations replaces a reporting-unit path component that
	// is exactly a postal abbreviation with the state name.
	ExpandStateAbbreviations bool `yaml:"expand_state_abbreviations"`
}

// Rules applies a jurisdiction's deterministic corrections. A Rules value is
// immutable once built.
type Rules struct {
	prefixes  []string
	overrides map[Element]map[string]string
	states    *StateTable
}

// NewRules builds rules from corrections. states may be nil when state
// abbreviations are not expanded.
func NewRules(c Corrections, states *StateTable) *Rules {
	r := &Rules{overrides: make(map[Element]map[string]string, len(c.Overrides))}
	for _, p := range c.CapitalizePrefixes {
		if p = strings.TrimSpace(p); p != "" {
			r.prefixes = append(r.prefixes, p)
		}
	}
	for el, m := range c.Overrides {
		cp := make(map[string]string, len(m))
		for from, to := range m {
			cp[normalizeRaw(el, from)] = to
		}
		r.overrides[el] = cp
	}
	if c.ExpandStateAbbreviations {
		r.states = states
	}
	return r
}

// Apply returns the corrected form of raw. Order: whitespace collapsing,
// override table, prefix capitalisation, state abbreviations.
func (r *Rules) Apply(el Element, raw string) string {
	s := normalizeRaw(el, raw)
	if to, ok := r.overrides[el][s]; ok {
		return to
	}
	if len(r.prefixes) > 0 && (el == Candidate || el == BallotMeasureSelection) {
		s = r.capitalizePrefixes(s)
	}
	if r.states != nil && el == ReportingUnit {
		s = r.expandStates(s)
	}
	return s
}

func (r *Rules) capitalizePrefixes(s string) string {
	words := strings.Split(s, " ")
	for i, w := range words {
		for _, p := range r.prefixes {
			if len(w) <= len(p) || !strings.EqualFold(w[:len(p)], p) {
				continue
			}
			next, size := utf8.DecodeRuneInString(w[len(p):])
			if !unicode.IsLetter(next) {
				continue
			}
			words[i] = p + string(unicode.ToUpper(next)) + w[len(p)+size:]
			break
		}
	}
	return strings.Join(words, " ")
}

func (r *Rules) expandStates(s string) string {
	parts := strings.Split(s, ";")
	for i, p := range parts {
		if len(p) == 2 && strings.ToUpper(p) == p {
			if name, ok := r.states.Name(p); ok {
				parts[i] = name
			}
		}
	}
	return strings.Join(parts, ";")
}

// collapseSpace trims and folds internal whitespace runs to one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizePath trims whitespace around ';' separators.
func normalizePath(s string) string {
	if !strings.Contains(s, ";") {
		return s
	}
	parts := strings.Split(s, ";")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ";")
}
