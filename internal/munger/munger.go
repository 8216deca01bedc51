// Package munger reads raw election-result files into long-format tables
// using a declarative, per-source layout description.
//
// A munger is a YAML document. It is parsed and validated, never executed:
//
//	name: nc_precinct
//	separator: "\t"
//	encoding: utf-8
//	header_row_count: 1
//	column_roles:
//	  County: info
//	  Precinct: info
//	  Total: count
//	count_type_labels:
//	  Total: total
//	elements:
//	  ReportingUnit: "<County>;<Precinct>"
//	constants:
//	  CandidateContest: President
package munger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Role partitions the columns of a raw file.
type Role string

const (
	RoleInfo   Role = "info"
	RoleCount  Role = "count"
	RoleIgnore Role = "ignore"
)

// HeaderSeparator joins the components of a multi-row header into one
// compound column key.
const HeaderSeparator = "|"

// ErrInvalidMunger is wrapped by every munger validation failure.
var ErrInvalidMunger = errors.New("invalid munger")

// Munger describes one raw file format.
type Munger struct {
	Name           string `yaml:"name"`
	Separator      string `yaml:"separator"`
	Encoding       string `yaml:"encoding"`
	HeaderRowCount int    `yaml:"header_row_count"`
	RowsToSkip     int    `yaml:"rows_to_skip"`

	// ForwardFillHeaders copies a non-empty cell rightwards over blank cells
	// in every header row but the last, for spreadsheets with merged cells.
	ForwardFillHeaders bool `yaml:"forward_fill_headers"`

	// DefaultRole applies to columns absent from ColumnRoles.
	DefaultRole Role            `yaml:"default_role"`
	ColumnRoles map[string]Role `yaml:"column_roles"`

	CountTypeLabels map[string]string `yaml:"count_type_labels"`

	// CountHeaderFields names the header components of count columns so
	// element formulas can refer to them (e.g. a candidate on header row 1).
	CountHeaderFields []string `yaml:"count_header_fields"`

	Elements  map[string]string `yaml:"elements"`
	Constants map[string]string `yaml:"constants"`

	separator rune
	formulas  map[string]Formula
}

// Parse decodes and validates a munger definition.
func Parse(r io.Reader) (*Munger, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Munger
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMunger, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads a munger from path. The name defaults to the file's base
// name without extension.
func ParseFile(path string) (*Munger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read munger: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate applies defaults and checks the definition.
func (m *Munger) Validate() error {
	var errs []string

	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, "name is required")
	}

	switch strings.ToLower(m.Separator) {
	case "", "comma":
		m.separator = ','
	case "tab", `\t`:
		m.separator = '\t'
	default:
		if utf8.RuneCountInString(m.Separator) != 1 {
			errs = append(errs, fmt.Sprintf("separator %q must be a single character", m.Separator))
			break
		}
		r, _ := utf8.DecodeRuneInString(m.Separator)
		if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			errs = append(errs, fmt.Sprintf("separator %q is not allowed", m.Separator))
		}
		m.separator = r
	}

	if m.Encoding == "" {
		m.Encoding = "utf-8"
	}
	if _, err := lookupEncoding(m.Encoding); err != nil {
		errs = append(errs, err.Error())
	}

	if m.HeaderRowCount == 0 {
		m.HeaderRowCount = 1
	}
	if m.HeaderRowCount < 0 {
		errs = append(errs, "header_row_count must be positive")
	}
	if m.RowsToSkip < 0 {
		errs = append(errs, "rows_to_skip must be non-negative")
	}
	if len(m.CountHeaderFields) > m.HeaderRowCount {
		errs = append(errs, fmt.Sprintf("count_header_fields has %d names for %d header rows",
			len(m.CountHeaderFields), m.HeaderRowCount))
	}

	if m.DefaultRole == "" {
		m.DefaultRole = RoleIgnore
	}
	if !m.DefaultRole.valid() {
		errs = append(errs, fmt.Sprintf("default_role %q must be info, count or ignore", m.DefaultRole))
	}
	counts := 0
	for col, role := range m.ColumnRoles {
		if !role.valid() {
			errs = append(errs, fmt.Sprintf("column %q has role %q; want info, count or ignore", col, role))
		}
		if role == RoleCount {
			counts++
		}
	}
	if counts == 0 && m.DefaultRole != RoleCount {
		errs = append(errs, "no count columns declared")
	}

	m.formulas = make(map[string]Formula, len(m.Elements))
	for element, text := range m.Elements {
		f, err := ParseFormula(text)
		if err != nil {
			errs = append(errs, fmt.Sprintf("element %s: %v", element, err))
			continue
		}
		m.formulas[element] = f
	}
	for element := range m.Constants {
		if _, dup := m.Elements[element]; dup {
			errs = append(errs, fmt.Sprintf("element %s is both a formula and a constant", element))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w %q:\n  - %s", ErrInvalidMunger, m.Name, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (r Role) valid() bool {
	return r == RoleInfo || r == RoleCount || r == RoleIgnore
}

// SeparatorRune returns the validated field separator.
func (m *Munger) SeparatorRune() rune { return m.separator }

// Formula returns the parsed formula for a CDF element.
func (m *Munger) Formula(element string) (Formula, bool) {
	f, ok := m.formulas[element]
	return f, ok
}

// Catalog holds the mungers of one directory, keyed by name.
type Catalog struct {
	mu      sync.RWMutex
	mungers map[string]*Munger
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{mungers: make(map[string]*Munger)}
}

// LoadCatalog parses every *.yaml and *.yml file in dir.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read munger dir: %w", err)
	}
	c := NewCatalog()
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		m, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a munger; names must be unique.
func (c *Catalog) Register(m *Munger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mungers[m.Name]; exists {
		return fmt.Errorf("%w: duplicate munger name %q", ErrInvalidMunger, m.Name)
	}
	c.mungers[m.Name] = m
	return nil
}

// Get returns the munger with the given name.
func (c *Catalog) Get(name string) (*Munger, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mungers[name]
	return m, ok
}

// Names returns all munger names sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.mungers))
	for n := range c.mungers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
