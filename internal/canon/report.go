package canon

import (
	"sort"
	"sync"
)

// Disposition says what happened to rows carrying an unresolved value.
type Disposition string

const (
	// Excluded rows were dropped from the load.
	Excluded Disposition = "excluded"
	// Unknown rows loaded under a placeholder element.
	Unknown Disposition = "unknown"
)

// Unresolved summarises one unresolved raw value within a load.
type Unresolved struct {
	Element     Element     `json:"element"`
	Raw         string      `json:"raw_value"`
	Contest     string      `json:"contest,omitempty"`
	Disposition Disposition `json:"disposition"`
	Rows        int         `json:"rows"`
	FirstLine   int         `json:"first_line"`
}

type reportKey struct {
	element Element
	raw     string
	contest string
}

// Report accumulates unresolved values for one load.
type Report struct {
	mu           sync.Mutex
	entries      map[reportKey]*Unresolved
	excludedRows int
	unknownRows  int
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{entries: make(map[reportKey]*Unresolved)}
}

// AddRow records the issues of one row. excluded says whether the row was
// dropped.
func (r *Report) AddRow(line int, issues []Issue, excluded bool) {
	if len(issues) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if excluded {
		r.excludedRows++
	} else {
		r.unknownRows++
	}
	for _, is := range issues {
		k := reportKey{is.Element, is.Raw, is.Contest}
		u, ok := r.entries[k]
		if !ok {
			u = &Unresolved{
				Element:     is.Element,
				Raw:         is.Raw,
				Contest:     is.Contest,
				Disposition: is.Disposition,
				FirstLine:   line,
			}
			r.entries[k] = u
		}
		u.Rows++
		if line < u.FirstLine {
			u.FirstLine = line
		}
	}
}

// Entries returns the unresolved values sorted by element, raw value and
// contest.
func (r *Report) Entries() []Unresolved {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Unresolved, 0, len(r.entries))
	for _, u := range r.entries {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Element != b.Element {
			return a.Element < b.Element
		}
		if a.Raw != b.Raw {
			return a.Raw < b.Raw
		}
		return a.Contest < b.Contest
	})
	return out
}

// Len returns the number of distinct unresolved values.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ExcludedRows returns the number of rows dropped.
func (r *Report) ExcludedRows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excludedRows
}

// UnknownRows returns the number of rows loaded with a placeholder.
func (r *Report) UnknownRows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unknownRows
}
