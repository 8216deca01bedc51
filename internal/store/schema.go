package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Table names.
const (
	TableReportingUnitType      = "reporting_unit_type"
	TableElectionType           = "election_type"
	TableCountItemType          = "count_item_type"
	TableIdentifierType         = "identifier_type"
	TableReportingUnit          = "reporting_unit"
	TableParty                  = "party"
	TableElection               = "election"
	TableOffice                 = "office"
	TableCandidateContest       = "candidate_contest"
	TableBallotMeasureContest   = "ballot_measure_contest"
	TableCandidate              = "candidate"
	TableCandidateSelection     = "candidate_selection"
	TableBallotMeasureSelection = "ballot_measure_selection"
	TableContestSelectionJoin   = "contest_selection_join"
	TableElectionContestJoin    = "election_contest_join"
	TableExternalIdentifier     = "external_identifier"
	TableDataFile               = "datafile"
	TableVoteCount              = "vote_count"
	TableUnresolvedValue        = "unresolved_value"
)

// Column kinds used when generating DDL.
const (
	colID   = "BIGINT NOT NULL DEFAULT 0"
	colText = "TEXT NOT NULL DEFAULT ''"
)

// Column describes one non-id column.
type Column struct {
	Name string
	Type string
}

// TableDef describes a canonical element table: its natural key and the
// other columns the upsert engine may write.
type TableDef struct {
	Name       string
	NaturalKey []string
	Columns    []Column
	// Fact tables use their own row ids instead of the global sequence.
	Fact bool
}

// HasColumn reports whether name is a key or data column of the table.
func (t TableDef) HasColumn(name string) bool {
	if name == "id" {
		return true
	}
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// IsNaturalKey reports whether cols is exactly the table's natural key,
// ignoring order.
func (t TableDef) IsNaturalKey(cols []string) bool {
	if len(cols) != len(t.NaturalKey) {
		return false
	}
	want := append([]string(nil), t.NaturalKey...)
	got := append([]string(nil), cols...)
	sort.Strings(want)
	sort.Strings(got)
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func enumTable(name string) TableDef {
	return TableDef{Name: name, NaturalKey: []string{"txt"}, Columns: []Column{{"txt", colText}}}
}

var tableDefs = []TableDef{
	enumTable(TableReportingUnitType),
	enumTable(TableElectionType),
	enumTable(TableCountItemType),
	enumTable(TableIdentifierType),
	{
		Name:       TableReportingUnit,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}, {"reporting_unit_type_id", colID}, {"parent_id", colID}},
	},
	{
		Name:       TableParty,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}},
	},
	{
		Name:       TableElection,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}, {"election_type_id", colID}, {"year", colID}},
	},
	{
		Name:       TableOffice,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}, {"election_district_id", colID}},
	},
	{
		Name:       TableCandidateContest,
		NaturalKey: []string{"name"},
		Columns: []Column{
			{"name", colText}, {"office_id", colID},
			{"number_elected", "BIGINT NOT NULL DEFAULT 1"}, {"primary_party_id", colID},
		},
	},
	{
		Name:       TableBallotMeasureContest,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}, {"election_district_id", colID}},
	},
	{
		Name:       TableCandidate,
		NaturalKey: []string{"ballot_name"},
		Columns:    []Column{{"ballot_name", colText}},
	},
	{
		Name:       TableCandidateSelection,
		NaturalKey: []string{"candidate_id", "party_id"},
		Columns:    []Column{{"candidate_id", colID}, {"party_id", colID}},
	},
	{
		Name:       TableBallotMeasureSelection,
		NaturalKey: []string{"name"},
		Columns:    []Column{{"name", colText}},
	},
	{
		Name:       TableContestSelectionJoin,
		NaturalKey: []string{"contest_id", "selection_id"},
		Columns:    []Column{{"contest_id", colID}, {"selection_id", colID}},
	},
	{
		Name:       TableElectionContestJoin,
		NaturalKey: []string{"election_id", "contest_id"},
		Columns:    []Column{{"election_id", colID}, {"contest_id", colID}},
	},
	{
		Name:       TableExternalIdentifier,
		NaturalKey: []string{"foreign_id", "identifier_type_id", "other_identifier_type", "value"},
		Columns: []Column{
			{"foreign_id", colID}, {"identifier_type_id", colID},
			{"other_identifier_type", colText}, {"value", colText}, {"element_type", colText},
		},
	},
	{
		Name:       TableDataFile,
		NaturalKey: []string{"file_hash", "election_id", "jurisdiction_id", "munger"},
		Columns: []Column{
			{"file_hash", colText}, {"election_id", colID}, {"jurisdiction_id", colID},
			{"munger", colText}, {"source", colText}, {"size_bytes", colID}, {"etag", colText},
			{"status", colText}, {"loaded_at", colText}, {"rows_loaded", colID}, {"rows_excluded", colID},
		},
	},
	{
		Name: TableVoteCount,
		NaturalKey: []string{
			"contest_id", "selection_id", "reporting_unit_id",
			"count_item_type_id", "election_id", "datafile_id",
		},
		Columns: []Column{
			{"contest_id", colID}, {"selection_id", colID}, {"reporting_unit_id", colID},
			{"count_item_type_id", colID}, {"election_id", colID}, {"datafile_id", colID},
			{"count", colID},
		},
		Fact: true,
	},
	{
		Name:       TableUnresolvedValue,
		NaturalKey: []string{"datafile_id", "element", "raw_value", "contest_id"},
		Columns: []Column{
			{"datafile_id", colID}, {"element", colText}, {"raw_value", colText}, {"contest_id", colID},
			{"disposition", colText}, {"row_count", colID}, {"first_row", colID},
		},
		Fact: true,
	},
}

var tablesByName = func() map[string]TableDef {
	m := make(map[string]TableDef, len(tableDefs))
	for _, t := range tableDefs {
		m[t.Name] = t
	}
	return m
}()

// LookupTable returns the definition of an allow-listed table.
func LookupTable(name string) (TableDef, bool) {
	t, ok := tablesByName[name]
	return t, ok
}

// Tables returns all table definitions in schema order.
func Tables() []TableDef {
	return append([]TableDef(nil), tableDefs...)
}

// Enumerations seeded by SeedEnumerations.
var Enumerations = map[string][]string{
	TableCountItemType: {
		"total", "absentee-mail", "election-day", "early", "provisional",
		"uocava", "write-in", "other", "unknown",
	},
	TableReportingUnitType: {
		"country", "state", "county", "city", "town", "ward", "precinct",
		"congressional", "state-house", "state-senate", "judicial", "school",
		"ballot-batch", "other",
	},
	TableElectionType: {
		"general", "primary", "partisan-primary-open", "partisan-primary-closed",
		"special", "runoff", "other",
	},
	TableIdentifierType: {
		"fips", "local-level", "national-level", "ocd-id", "state-level", "other",
	},
}

func createTableSQL(d Dialect, t TableDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	switch {
	case !t.Fact:
		b.WriteString("\tid BIGINT PRIMARY KEY")
	case d == SQLite:
		b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT")
	default:
		b.WriteString("\tid BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY")
	}
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", c.Name, c.Type)
	}
	fmt.Fprintf(&b, ",\n\tUNIQUE (%s)\n)", strings.Join(t.NaturalKey, ", "))
	return b.String()
}

func schemaStatements(d Dialect) []string {
	var stmts []string
	if d == SQLite {
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS cdf_id_seq (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	last_value BIGINT NOT NULL
)`,
			`INSERT INTO cdf_id_seq (singleton, last_value) VALUES (1, 0) ON CONFLICT (singleton) DO NOTHING`,
		)
	} else {
		stmts = append(stmts, `CREATE SEQUENCE IF NOT EXISTS cdf_id_seq`)
	}
	for _, t := range tableDefs {
		stmts = append(stmts, createTableSQL(d, t))
	}
	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS vote_count_contest_unit_type_election
	ON vote_count (contest_id, reporting_unit_id, count_item_type_id, election_id)`,
		`CREATE INDEX IF NOT EXISTS vote_count_datafile ON vote_count (datafile_id)`,
		`CREATE INDEX IF NOT EXISTS reporting_unit_parent ON reporting_unit (parent_id)`,
	)
	return stmts
}

// Migrate applies the schema idempotently.
func Migrate(ctx context.Context, q Querier) error {
	for _, stmt := range schemaStatements(q.Dialect()) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
