package canon

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Dictionary column headers.
const (
	colElement = "cdf_element"
	colName    = "cdf_internal_name"
	colRaw     = "raw_identifier_value"
)

// Entry is one dictionary row.
type Entry struct {
	Element Element
	Name    string
	Raw     string
}

// ConflictError lists raw values that map to more than one internal name
// for the same element. Such a dictionary is rejected outright.
type ConflictError struct {
	Conflicts []Conflict
}

// Conflict is one ambiguous (element, raw) pair.
type Conflict struct {
	Element Element
	Raw     string
	Names   []string
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s %q -> %s", c.Element, c.Raw, strings.Join(c.Names, " | "))
	}
	return fmt.Sprintf("dictionary conflict: %d raw value(s) map to several names: %s",
		len(e.Conflicts), strings.Join(parts, "; "))
}

type dictKey struct {
	element Element
	raw     string
}

// Dictionary is an immutable (element, raw) -> internal name lookup.
type Dictionary struct {
	names   map[dictKey]string
	entries int
}

// NewDictionary builds a dictionary, rejecting conflicting entries.
// Identical duplicates are accepted.
func NewDictionary(entries []Entry) (*Dictionary, error) {
	d := &Dictionary{names: make(map[dictKey]string, len(entries))}
	conflicts := make(map[dictKey]map[string]bool)

	for _, e := range entries {
		k := dictKey{e.Element, normalizeRaw(e.Element, e.Raw)}
		if prev, ok := d.names[k]; ok && prev != e.Name {
			if conflicts[k] == nil {
				conflicts[k] = map[string]bool{prev: true}
			}
			conflicts[k][e.Name] = true
			continue
		}
		d.names[k] = e.Name
	}
	d.entries = len(d.names)

	if len(conflicts) == 0 {
		return d, nil
	}
	ce := &ConflictError{}
	for k, names := range conflicts {
		c := Conflict{Element: k.element, Raw: k.raw}
		for n := range names {
			c.Names = append(c.Names, n)
		}
		sort.Strings(c.Names)
		ce.Conflicts = append(ce.Conflicts, c)
	}
	sort.Slice(ce.Conflicts, func(i, j int) bool {
		a, b := ce.Conflicts[i], ce.Conflicts[j]
		if a.Element != b.Element {
			return a.Element < b.Element
		}
		return a.Raw < b.Raw
	})
	return nil, ce
}

// normalizeRaw folds whitespace the same way Rules.Apply does before the
// other corrections, so dictionary keys and corrected values line up.
func normalizeRaw(el Element, raw string) string {
	s := collapseSpace(raw)
	if el == ReportingUnit {
		s = normalizePath(s)
	}
	return s
}

// Lookup returns the internal name for a raw value.
func (d *Dictionary) Lookup(element Element, raw string) (string, bool) {
	n, ok := d.names[dictKey{element, raw}]
	return n, ok
}

// Len returns the number of distinct (element, raw) entries.
func (d *Dictionary) Len() int { return d.entries }

// Names returns the distinct internal names mapped for element, sorted.
func (d *Dictionary) Names(element Element) []string {
	seen := make(map[string]bool)
	var out []string
	for k, n := range d.names {
		if k.element == element && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// ReadDictionary parses a tab-separated dictionary with a header row naming
// cdf_element, cdf_internal_name and raw_identifier_value.
func ReadDictionary(r io.Reader) (*Dictionary, error) {
	records, err := readTSV(r)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read dictionary: empty file")
	}

	idx := headerIndex(records[0])
	for _, col := range []string{colElement, colName, colRaw} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("read dictionary: missing required column %q", col)
		}
	}

	entries := make([]Entry, 0, len(records)-1)
	for i, rec := range records[1:] {
		get := func(col string) string {
			j := idx[col]
			if j < len(rec) {
				return strings.TrimSpace(rec[j])
			}
			return ""
		}
		el := Element(get(colElement))
		if el == "" && get(colName) == "" && get(colRaw) == "" {
			continue
		}
		if !el.Valid() {
			return nil, fmt.Errorf("read dictionary: line %d: unknown element %q", i+2, el)
		}
		if get(colName) == "" {
			return nil, fmt.Errorf("read dictionary: line %d: empty internal name", i+2)
		}
		entries = append(entries, Entry{Element: el, Name: get(colName), Raw: get(colRaw)})
	}
	return NewDictionary(entries)
}

// LoadDictionary reads a dictionary file.
func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := ReadDictionary(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func readTSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr.ReadAll()
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	return idx
}
