package munger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrStructural is matched by every StructuralError.
var ErrStructural = errors.New("structural file error")

// StructuralError reports a file whose shape does not match its munger.
// The whole file is rejected.
type StructuralError struct {
	File   string
	Munger string
	Line   int    // 0 when not tied to a line
	Column string // empty when not tied to a column
	Reason string
}

func (e *StructuralError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "structural file error: %s (munger %s)", e.File, e.Munger)
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is makes errors.Is(err, ErrStructural) true.
func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// RawFile is one source file held in memory.
type RawFile struct {
	Name string
	Data []byte
}

// Row is one long-format output row: the info fields of a source row plus a
// single count.
type Row struct {
	Line int // 1-based physical line in the decoded file

	// Fields holds info column values keyed by column key, and the named
	// header components of the count column (see Munger.CountHeaderFields).
	Fields map[string]string

	CountColumn string // compound key of the count column
	CountType   string // from count_type_labels; empty if not labelled
	Count       int64
}

// Table is the structured result of reading one file.
type Table struct {
	File   string
	Munger string

	InfoColumns  []string
	CountColumns []string
	Rows         []Row

	DataRows      int // non-empty source rows
	EncodingFell  bool
	DroppedBytes  int
	SkippedBlanks int
}

type column struct {
	index      int
	key        string
	components []string
}

// Read parses file according to m. Any mismatch between the file's shape
// and the munger is returned as a *StructuralError and nothing is produced.
func Read(file RawFile, m *Munger) (*Table, error) {
	fail := func(line int, col, format string, args ...any) error {
		return &StructuralError{File: file.Name, Munger: m.Name, Line: line, Column: col, Reason: fmt.Sprintf(format, args...)}
	}

	dec, err := decodeBytes(file.Data, m.Encoding)
	if err != nil {
		return nil, fail(0, "", "%v", err)
	}
	if dec.fallback {
		if len(file.Data) > 0 && float64(dec.dropped)/float64(len(file.Data)) > MaxDroppedFraction {
			return nil, fail(0, "", "encoding error: %d of %d bytes undecodable as %s", dec.dropped, len(file.Data), m.Encoding)
		}
	}

	r := csv.NewReader(strings.NewReader(dec.text))
	r.Comma = m.SeparatorRune()
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	next := func() ([]string, int, error) {
		rec, err := r.Read()
		if err != nil {
			return nil, 0, err
		}
		line, _ := r.FieldPos(0)
		return rec, line, nil
	}

	for i := 0; i < m.RowsToSkip; i++ {
		if _, _, err := next(); err != nil {
			if err == io.EOF {
				return nil, fail(0, "", "file ends inside the %d skipped rows", m.RowsToSkip)
			}
			return nil, fail(0, "", "invalid delimited file: %v", err)
		}
	}

	header := make([][]string, 0, m.HeaderRowCount)
	for len(header) < m.HeaderRowCount {
		rec, line, err := next()
		if err == io.EOF {
			return nil, fail(0, "", "file has fewer than %d header rows", m.HeaderRowCount)
		}
		if err != nil {
			return nil, fail(line, "", "invalid delimited file: %v", err)
		}
		header = append(header, rec)
	}

	cols := buildColumns(header, m.ForwardFillHeaders)
	width := len(cols)

	t := &Table{File: file.Name, Munger: m.Name, EncodingFell: dec.fallback, DroppedBytes: dec.dropped}
	var info, counts []column
	seen := make(map[string]bool, width)
	for _, c := range cols {
		role, declared := m.ColumnRoles[c.key]
		if !declared {
			role = m.DefaultRole
		}
		if role == RoleIgnore {
			continue
		}
		if c.key == "" {
			if declared {
				return nil, fail(0, "", "column %d has an empty header", c.index+1)
			}
			continue
		}
		if seen[c.key] {
			return nil, fail(0, c.key, "column key appears more than once; add header rows to disambiguate")
		}
		seen[c.key] = true
		switch role {
		case RoleInfo:
			info = append(info, c)
			t.InfoColumns = append(t.InfoColumns, c.key)
		case RoleCount:
			counts = append(counts, c)
			t.CountColumns = append(t.CountColumns, c.key)
		}
	}

	var missing []string
	for key, role := range m.ColumnRoles {
		if role != RoleIgnore && !seen[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fail(0, "", "missing required column(s) %s; found %s",
			quoteList(missing), quoteList(columnKeys(cols)))
	}
	if len(counts) == 0 {
		return nil, fail(0, "", "no count columns found")
	}

	available := make(map[string]bool)
	for _, c := range info {
		available[c.key] = true
	}
	for _, name := range m.CountHeaderFields {
		if name != "" {
			available[name] = true
		}
	}
	for element, f := range m.formulas {
		for _, field := range f.Fields() {
			if !available[field] {
				return nil, fail(0, field, "element %s refers to a field that is not an info column or count header field", element)
			}
		}
	}

	countTypes := make([]string, len(counts))
	for i, c := range counts {
		countTypes[i] = m.countType(c)
	}

	for {
		rec, line, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fail(line, "", "invalid delimited file: %v", err)
		}
		if isEmptyRow(rec) {
			t.SkippedBlanks++
			continue
		}
		if len(rec) != width {
			return nil, fail(line, "", "row has %d fields, header has %d", len(rec), width)
		}
		t.DataRows++

		base := make(map[string]string, len(info))
		for _, c := range info {
			base[c.key] = CleanCell(rec[c.index])
		}

		for i, c := range counts {
			n, ok, err := ParseCount(rec[c.index])
			if err != nil {
				return nil, fail(line, c.key, "%v", err)
			}
			if !ok {
				continue
			}
			fields := base
			if len(m.CountHeaderFields) > 0 {
				fields = make(map[string]string, len(base)+len(m.CountHeaderFields))
				for k, v := range base {
					fields[k] = v
				}
				for j, name := range m.CountHeaderFields {
					if name != "" && j < len(c.components) {
						fields[name] = c.components[j]
					}
				}
			}
			t.Rows = append(t.Rows, Row{
				Line:        line,
				Fields:      fields,
				CountColumn: c.key,
				CountType:   countTypes[i],
				Count:       n,
			})
		}
	}

	return t, nil
}

// buildColumns combines the header rows into one compound key per column.
func buildColumns(header [][]string, forwardFill bool) []column {
	width := 0
	for _, row := range header {
		if len(row) > width {
			width = len(row)
		}
	}

	grid := make([][]string, len(header))
	for h, row := range header {
		grid[h] = make([]string, width)
		last := ""
		for j := 0; j < width; j++ {
			cell := ""
			if j < len(row) {
				cell = CleanCell(row[j])
			}
			if forwardFill && h < len(header)-1 {
				if cell == "" {
					cell = last
				} else {
					last = cell
				}
			}
			grid[h][j] = cell
		}
	}

	cols := make([]column, width)
	for j := 0; j < width; j++ {
		comps := make([]string, len(header))
		var nonEmpty []string
		for h := range header {
			comps[h] = grid[h][j]
			if comps[h] != "" {
				nonEmpty = append(nonEmpty, comps[h])
			}
		}
		cols[j] = column{index: j, key: strings.Join(nonEmpty, HeaderSeparator), components: comps}
	}
	return cols
}

func (m *Munger) countType(c column) string {
	if ct, ok := m.CountTypeLabels[c.key]; ok {
		return ct
	}
	for h := len(c.components) - 1; h >= 0; h-- {
		if c.components[h] == "" {
			continue
		}
		if ct, ok := m.CountTypeLabels[c.components[h]]; ok {
			return ct
		}
		break
	}
	return ""
}

func columnKeys(cols []column) []string {
	keys := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.key != "" {
			keys = append(keys, c.key)
		}
	}
	return keys
}

func quoteList(s []string) string {
	q := make([]string, len(s))
	for i, v := range s {
		q[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(q, ", ")
}
