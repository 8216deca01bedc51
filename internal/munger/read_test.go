package munger

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustParse(t *testing.T, text string) *Munger {
	t.Helper()
	m, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return m
}

const precinctMunger = `
name: nc_precinct
separator: "\t"
encoding: utf-8
header_row_count: 1
column_roles:
  County: info
  Precinct: info
  Total: count
count_type_labels:
  Total: total
elements:
  ReportingUnit: "<County>;Precinct <Precinct>"
`

func TestRead_SingleHeaderTab(t *testing.T) {
	m := mustParse(t, precinctMunger)
	data := "County\tPrecinct\tTotal\nWake\t01\t500\nWake\t02\t300\n"

	tbl, err := Read(RawFile{Name: "nc.txt", Data: []byte(data)}, m)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	want := []Row{
		{Line: 2, Fields: map[string]string{"County": "Wake", "Precinct": "01"}, CountColumn: "Total", CountType: "total", Count: 500},
		{Line: 3, Fields: map[string]string{"County": "Wake", "Precinct": "02"}, CountColumn: "Total", CountType: "total", Count: 300},
	}
	if diff := cmp.Diff(want, tbl.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if tbl.DataRows != 2 {
		t.Errorf("DataRows = %d, want 2", tbl.DataRows)
	}
}

func TestRead_MultiRowHeaderMelts(t *testing.T) {
	m := mustParse(t, `
name: two_row
separator: ","
header_row_count: 2
forward_fill_headers: true
default_role: count
column_roles:
  County: info
count_type_labels:
  Election Day: election-day
  Absentee: absentee-mail
count_header_fields: [Candidate]
`)
	data := ",Smith,,Jones,\n" +
		"County,Election Day,Absentee,Election Day,Absentee\n" +
		"Wake,10,5,7,\n"

	tbl, err := Read(RawFile{Name: "two.csv", Data: []byte(data)}, m)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	wantCols := []string{"Smith|Election Day", "Smith|Absentee", "Jones|Election Day", "Jones|Absentee"}
	if diff := cmp.Diff(wantCols, tbl.CountColumns); diff != "" {
		t.Errorf("count columns (-want +got):\n%s", diff)
	}

	want := []Row{
		{Line: 3, Fields: map[string]string{"County": "Wake", "Candidate": "Smith"}, CountColumn: "Smith|Election Day", CountType: "election-day", Count: 10},
		{Line: 3, Fields: map[string]string{"County": "Wake", "Candidate": "Smith"}, CountColumn: "Smith|Absentee", CountType: "absentee-mail", Count: 5},
		{Line: 3, Fields: map[string]string{"County": "Wake", "Candidate": "Jones"}, CountColumn: "Jones|Election Day", CountType: "election-day", Count: 7},
	}
	if diff := cmp.Diff(want, tbl.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_StructuralErrors(t *testing.T) {
	m := mustParse(t, precinctMunger)
	twoHeader := mustParse(t, strings.Replace(precinctMunger, "header_row_count: 1", "header_row_count: 2", 1))

	tests := []struct {
		name   string
		m      *Munger
		data   string
		reason string
	}{
		{
			name:   "declared header deeper than file",
			m:      twoHeader,
			data:   "County\tPrecinct\tTotal\nWake\t01\t500\nWake\t02\t300\n",
			reason: "missing required column",
		},
		{
			name:   "file header deeper than declared",
			m:      m,
			data:   "County\tPrecinct\tTotal\n\t\tVotes\nWake\t01\t500\n",
			reason: "invalid number",
		},
		{
			name:   "missing column",
			m:      m,
			data:   "County\tTotal\nWake\t500\n",
			reason: "missing required column",
		},
		{
			name:   "short row",
			m:      m,
			data:   "County\tPrecinct\tTotal\nWake\t01\n",
			reason: "row has 2 fields, header has 3",
		},
		{
			name:   "non numeric count",
			m:      m,
			data:   "County\tPrecinct\tTotal\nWake\t01\tfive hundred\n",
			reason: "invalid number",
		},
		{
			name:   "too few header rows",
			m:      twoHeader,
			data:   "County\tPrecinct\tTotal\n",
			reason: "fewer than 2 header rows",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := Read(RawFile{Name: "f.txt", Data: []byte(tt.data)}, tt.m)
			if tbl != nil {
				t.Errorf("Read() returned a table with %d rows alongside an error", len(tbl.Rows))
			}
			if !errors.Is(err, ErrStructural) {
				t.Fatalf("error = %v, want ErrStructural", err)
			}
			var se *StructuralError
			if !errors.As(err, &se) || se.File != "f.txt" || se.Munger != "nc_precinct" {
				t.Errorf("StructuralError = %+v, want file and munger named", se)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q does not mention %q", err, tt.reason)
			}
		})
	}
}

func TestRead_BlankRowsAndEmptyCounts(t *testing.T) {
	m := mustParse(t, precinctMunger)
	data := "\xEF\xBB\xBFCounty\tPrecinct\tTotal\n\t\t\nWake\t01\t\nWake\t02\t\"1,200\"\n"

	tbl, err := Read(RawFile{Name: "f.txt", Data: []byte(data)}, m)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0].Count != 1200 {
		t.Fatalf("rows = %+v, want one row with count 1200", tbl.Rows)
	}
	if tbl.SkippedBlanks != 1 {
		t.Errorf("SkippedBlanks = %d, want 1", tbl.SkippedBlanks)
	}
}

func TestRead_EncodingFallback(t *testing.T) {
	m := mustParse(t, precinctMunger)

	t.Run("few bad bytes are dropped", func(t *testing.T) {
		data := "County\tPrecinct\tTotal\nWa\xffke\t01\t500\n"
		tbl, err := Read(RawFile{Name: "f.txt", Data: []byte(data)}, m)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if !tbl.EncodingFell || tbl.DroppedBytes != 1 {
			t.Errorf("EncodingFell = %v, DroppedBytes = %d; want true, 1", tbl.EncodingFell, tbl.DroppedBytes)
		}
		if got := tbl.Rows[0].Fields["County"]; got != "Wake" {
			t.Errorf("County = %q, want %q", got, "Wake")
		}
	})

	t.Run("mostly undecodable is unreadable", func(t *testing.T) {
		data := "County\tPrecinct\tTotal\n" + strings.Repeat("\xff", 30) + "\t01\t500\n"
		_, err := Read(RawFile{Name: "f.txt", Data: []byte(data)}, m)
		if !errors.Is(err, ErrStructural) || !strings.Contains(err.Error(), "encoding error") {
			t.Errorf("error = %v, want structural encoding error", err)
		}
	})

	t.Run("declared single-byte encoding", func(t *testing.T) {
		cp := mustParse(t, strings.Replace(precinctMunger, "encoding: utf-8", "encoding: windows-1252", 1))
		data := "County\tPrecinct\tTotal\nAlam\xe9da\t01\t5\n"
		tbl, err := Read(RawFile{Name: "f.txt", Data: []byte(data)}, cp)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if tbl.EncodingFell {
			t.Error("EncodingFell = true for a valid windows-1252 file")
		}
		if got := tbl.Rows[0].Fields["County"]; got != "Alaméda" {
			t.Errorf("County = %q, want %q", got, "Alaméda")
		}
	})
}

func TestUTF8Dropper_SplitSequence(t *testing.T) {
	// "é" split across reads must survive.
	r := newUTF8Dropper(&chunkReader{chunks: [][]byte{[]byte("ab\xc3"), []byte("\xa9cd\xff")}})
	buf := make([]byte, 16)
	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if string(got) != "abécd" {
		t.Errorf("got %q, want %q", got, "abécd")
	}
	if r.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", r.Dropped)
	}
}

type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: x\ncolumn_roles: {A: count}\nexecute: rm\n", "field execute not found"},
		{"missing name", "column_roles: {A: count}\n", "name is required"},
		{"bad separator", "name: x\nseparator: ';;'\ncolumn_roles: {A: count}\n", "single character"},
		{"bad role", "name: x\ncolumn_roles: {A: sum}\n", `role "sum"`},
		{"no count columns", "name: x\ncolumn_roles: {A: info}\n", "no count columns"},
		{"unknown encoding", "name: x\nencoding: klingon\ncolumn_roles: {A: count}\n", "unknown encoding"},
		{"bad formula", "name: x\ncolumn_roles: {A: count}\nelements: {Party: '<A'}\n", "unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			if !errors.Is(err, ErrInvalidMunger) {
				t.Fatalf("error = %v, want ErrInvalidMunger", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("b.yaml", "name: b\ncolumn_roles: {Total: count}\n")
	write("a.yml", "name: a\ncolumn_roles: {Total: count}\n")
	write("README.md", "not a munger")

	c, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, c.Names()); diff != "" {
		t.Errorf("Names() (-want +got):\n%s", diff)
	}
	if _, ok := c.Get("a"); !ok {
		t.Error(`Get("a") not found`)
	}
}
