package canon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func ncFiles() map[string]string {
	return map[string]string{
		JurisdictionFile: `
name: North Carolina
reporting_unit_type: state
corrections:
  capitalize_prefixes: [Mc]
  overrides:
    ReportingUnit:
      "Wake Cnty": "Wake"
`,
		DictionaryFile: "cdf_element\tcdf_internal_name\traw_identifier_value\n" +
			"ReportingUnit\tNorth Carolina;Wake County\tWake\n" +
			"Party\tRepublican Party\tREP\n",
		"ReportingUnit.txt": "Name\tReportingUnitType\n" +
			"North Carolina;Wake County;Precinct 01\tprecinct\n" +
			"North Carolina;Wake County\tcounty\n" +
			"North Carolina\tstate\n",
		"Party.txt":            "Name\nRepublican Party\n\n",
		"Office.txt":           "Name\tElectionDistrict\nUS President (NC)\tNorth Carolina\n",
		"CandidateContest.txt": "Name\tNumberElected\tOffice\tPrimaryParty\nUS President (NC)\t1\tUS President (NC)\t\n",
		"Candidate.txt":        "BallotName\nJane Doe\n",
		"ExternalIdentifier.txt": "Element\tInternalName\tIdentifierType\tValue\n" +
			"ReportingUnit\tNorth Carolina;Wake County\tfips\t37183\n",
	}
}

func TestLoadJurisdiction(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nc")
	writeFiles(t, dir, ncFiles())

	j, err := LoadJurisdiction(dir, NewStateTable())
	if err != nil {
		t.Fatalf("LoadJurisdiction() error = %v", err)
	}

	if j.Name != "North Carolina" || j.RootType != "state" {
		t.Errorf("Name, RootType = %q, %q", j.Name, j.RootType)
	}
	wantUnits := []Unit{
		{Name: "North Carolina", Type: "state"},
		{Name: "North Carolina;Wake County", Type: "county"},
		{Name: "North Carolina;Wake County;Precinct 01", Type: "precinct"},
	}
	if diff := cmp.Diff(wantUnits, j.Units); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Republican Party"}, j.Parties); diff != "" {
		t.Errorf("parties mismatch (-want +got):\n%s", diff)
	}
	wantOffices := []OfficeDef{{Name: "US President (NC)", ElectionDistrict: "North Carolina"}}
	if diff := cmp.Diff(wantOffices, j.Offices); diff != "" {
		t.Errorf("offices mismatch (-want +got):\n%s", diff)
	}
	if len(j.CandidateContests) != 1 || j.CandidateContests[0].NumberElected != 1 {
		t.Errorf("CandidateContests = %+v", j.CandidateContests)
	}
	if len(j.ExternalIDs) != 1 || j.ExternalIDs[0].Value != "37183" {
		t.Errorf("ExternalIDs = %+v", j.ExternalIDs)
	}

	if got := j.UnitType("North Carolina;Wake County"); got != "county" {
		t.Errorf("UnitType(county) = %q", got)
	}
	if got := j.UnitType("North Carolina;Durham County"); got != DefaultUnitType {
		t.Errorf("UnitType(undeclared) = %q, want %q", got, DefaultUnitType)
	}

	c := j.Canonicalizer()
	if got := c.Canonicalize("Wake  Cnty", ReportingUnit); got.Name != "North Carolina;Wake County" {
		t.Errorf("override then lookup = %+v", got)
	}
}

func TestLoadJurisdiction_Errors(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(files map[string]string)
		wantErr string
	}{
		{
			name:    "missing name",
			edit:    func(f map[string]string) { f[JurisdictionFile] = "reporting_unit_type: state\n" },
			wantErr: "name is required",
		},
		{
			name:    "unknown yaml field",
			edit:    func(f map[string]string) { f[JurisdictionFile] = "name: X\nfips: 37\n" },
			wantErr: "field fips not found",
		},
		{
			name: "unit outside jurisdiction",
			edit: func(f map[string]string) {
				f["ReportingUnit.txt"] = "Name\tReportingUnitType\nSouth Carolina;Aiken County\tcounty\n"
			},
			wantErr: "is not under",
		},
		{
			name: "bad number elected",
			edit: func(f map[string]string) {
				f["CandidateContest.txt"] = "Name\tNumberElected\tOffice\nMayor\tzero\tMayor\n"
			},
			wantErr: "bad NumberElected",
		},
		{
			name: "dictionary conflict",
			edit: func(f map[string]string) {
				f[DictionaryFile] += "Party\tRepublican\tREP\n"
			},
			wantErr: "dictionary conflict",
		},
		{
			name: "count item type outside enumeration",
			edit: func(f map[string]string) {
				f[DictionaryFile] += "CountItemType\tmail-in\tMail\n"
			},
			wantErr: `"mail-in" not a CountItemType value`,
		},
		{
			name: "override for unknown element",
			edit: func(f map[string]string) {
				f[JurisdictionFile] = "name: X\ncorrections:\n  overrides:\n    County: {a: b}\n"
			},
			wantErr: `unknown element "County"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := ncFiles()
			tt.edit(files)
			dir := filepath.Join(t.TempDir(), "j")
			writeFiles(t, dir, files)

			_, err := LoadJurisdiction(dir, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadJurisdiction() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadJurisdiction_CountItemTypes(t *testing.T) {
	files := ncFiles()
	files[DictionaryFile] += "CountItemType\tabsentee-mail\tMail\nCountItemType\tabsentee-mail\tBy Mail\nCountItemType\ttotal\tTotal Votes\n"
	dir := filepath.Join(t.TempDir(), "nc")
	writeFiles(t, dir, files)

	j, err := LoadJurisdiction(dir, nil)
	if err != nil {
		t.Fatalf("LoadJurisdiction() error = %v", err)
	}
	if diff := cmp.Diff([]string{"absentee-mail", "total"}, j.Dictionary.Names(CountItemType)); diff != "" {
		t.Errorf("Names(CountItemType) mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJurisdiction_ConflictUnwraps(t *testing.T) {
	files := ncFiles()
	files[DictionaryFile] += "Party\tRepublican\tREP\n"
	dir := filepath.Join(t.TempDir(), "nc")
	writeFiles(t, dir, files)

	_, err := LoadJurisdiction(dir, nil)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConflictError in chain", err)
	}
}

func TestLoadJurisdictions(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "nc"), ncFiles())
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	js, err := LoadJurisdictions(root, NewStateTable())
	if err != nil {
		t.Fatalf("LoadJurisdictions() error = %v", err)
	}
	if len(js) != 1 || js["North Carolina"] == nil {
		t.Errorf("LoadJurisdictions() = %v", js)
	}
}
