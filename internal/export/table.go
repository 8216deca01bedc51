package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/JonMunkholm/cdf/internal/munger"
)

// Compare statuses.
const (
	StatusChanged = "changed"
	StatusOnlyA   = "only_a"
	StatusOnlyB   = "only_b"
)

// ErrColumnMissing is returned when a named column is not in a table.
var ErrColumnMissing = errors.New("column missing")

// ErrDuplicateKey is returned by Compare when two rows of one table share a
// key.
var ErrDuplicateKey = errors.New("duplicate key")

// Table is a header plus rows of strings, the shape of an extract.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) indexes(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		if idx[i] = t.Index(n); idx[i] < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnMissing, n)
		}
	}
	return idx, nil
}

// ReadTable reads a tab-separated table whose first line is the header.
// Every row must have the header's width.
func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("read table: no header")
	}
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table: %w", err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// WriteTable writes t tab-separated with a header line.
func WriteTable(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}

// Compare outer-joins a and b on keyColumns and returns the rows whose
// countColumn differs or that exist on one side only. The result has the
// key columns followed by count_a, count_b and status, sorted by key.
// Counts that parse as integers compare numerically, so "1,200" equals
// "1200".
func Compare(a, b *Table, keyColumns []string, countColumn string) (*Table, error) {
	if len(keyColumns) == 0 {
		return nil, errors.New("compare: no key columns")
	}
	cols := append(append([]string(nil), keyColumns...), countColumn)
	ia, err := a.indexes(cols)
	if err != nil {
		return nil, fmt.Errorf("compare: table a: %w", err)
	}
	ib, err := b.indexes(cols)
	if err != nil {
		return nil, fmt.Errorf("compare: table b: %w", err)
	}

	ka, err := keyed(a, ia)
	if err != nil {
		return nil, fmt.Errorf("compare: table a: %w", err)
	}
	kb, err := keyed(b, ib)
	if err != nil {
		return nil, fmt.Errorf("compare: table b: %w", err)
	}

	out := &Table{Columns: append(append([]string(nil), keyColumns...), "count_a", "count_b", "status")}
	for k, ra := range ka {
		rb, ok := kb[k]
		switch {
		case !ok:
			out.Rows = append(out.Rows, diffRow(ra.key, ra.count, "", StatusOnlyA))
		case !sameCount(ra.count, rb.count):
			out.Rows = append(out.Rows, diffRow(ra.key, ra.count, rb.count, StatusChanged))
		}
	}
	for k, rb := range kb {
		if _, ok := ka[k]; !ok {
			out.Rows = append(out.Rows, diffRow(rb.key, "", rb.count, StatusOnlyB))
		}
	}

	n := len(keyColumns)
	sort.Slice(out.Rows, func(i, j int) bool {
		x, y := out.Rows[i], out.Rows[j]
		for c := 0; c < n; c++ {
			if x[c] != y[c] {
				return x[c] < y[c]
			}
		}
		return false
	})
	return out, nil
}

type keyedRow struct {
	key   []string
	count string
}

// keyed indexes rows by their key cells; idx holds the key column
// positions followed by the count column position.
func keyed(t *Table, idx []int) (map[string]keyedRow, error) {
	n := len(idx) - 1
	out := make(map[string]keyedRow, len(t.Rows))
	for line, row := range t.Rows {
		key := make([]string, n)
		for i, c := range idx[:n] {
			key[i] = cell(row, c)
		}
		k := strings.Join(key, "\x00")
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("%w %v at row %d", ErrDuplicateKey, key, line+1)
		}
		out[k] = keyedRow{key: key, count: cell(row, idx[n])}
	}
	return out, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func diffRow(key []string, countA, countB, status string) []string {
	return append(append([]string(nil), key...), countA, countB, status)
}

func sameCount(a, b string) bool {
	na, okA, errA := munger.ParseCount(a)
	nb, okB, errB := munger.ParseCount(b)
	if okA && okB && errA == nil && errB == nil {
		return na == nb
	}
	return a == b
}
