package web

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/config"
	"github.com/JonMunkholm/cdf/internal/core"
	"github.com/JonMunkholm/cdf/internal/export"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/source"
	"github.com/JonMunkholm/cdf/internal/store/storetest"
	cdfmw "github.com/JonMunkholm/cdf/internal/web/middleware"
)

const (
	testElection = "2024 General"
	testNC       = "North Carolina"
)

const testMunger = `
name: nc_precinct
separator: tab
column_roles:
  County: info
  Precinct: info
  Total: count
count_type_labels:
  Total: total
elements:
  ReportingUnit: "<County>;<Precinct>"
constants:
  CandidateContest: President
  Candidate: Jane Doe
`

var testJurisdiction = map[string]string{
	canon.JurisdictionFile: "name: North Carolina\nreporting_unit_type: state\n",
	canon.DictionaryFile: "cdf_element\tcdf_internal_name\traw_identifier_value\n" +
		"ReportingUnit\tNorth Carolina;Wake County;Precinct 01\tWake;01\n" +
		"ReportingUnit\tNorth Carolina;Wake County;Precinct 02\tWake;02\n" +
		"CandidateContest\tUS President (NC)\tPresident\n" +
		"Candidate\tJane Doe\tJane Doe\n",
	"ReportingUnit.txt": "Name\tReportingUnitType\n" +
		"North Carolina;Wake County\tcounty\n" +
		"North Carolina;Wake County;Precinct 01\tprecinct\n" +
		"North Carolina;Wake County;Precinct 02\tprecinct\n",
	"Office.txt":           "Name\tElectionDistrict\nUS President (NC)\tNorth Carolina\n",
	"CandidateContest.txt": "Name\tNumberElected\tOffice\tPrimaryParty\nUS President (NC)\t1\tUS President (NC)\t\n",
	"Candidate.txt":        "BallotName\nJane Doe\n",
}

type testServer struct {
	t    *testing.T
	srv  *Server
	raw  string
	root string
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeout: 30 * time.Second, ShutdownTimeout: time.Second},
		Load:    config.LoadConfig{MaxConcurrent: 1, MaxWaitTime: 50 * time.Millisecond},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, testConfig())
}

// newTestServerWith builds a server whose local raw files are confined to
// <tmp>/raw.
func newTestServerWith(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	for name, body := range testJurisdiction {
		writeFile(t, filepath.Join(root, "jurisdictions", "nc", name), body)
	}
	jurisdictions, err := canon.LoadJurisdictions(filepath.Join(root, "jurisdictions"), canon.NewStateTable())
	if err != nil {
		t.Fatalf("LoadJurisdictions() error = %v", err)
	}
	m, err := munger.Parse(strings.NewReader(testMunger))
	if err != nil {
		t.Fatalf("munger.Parse() error = %v", err)
	}
	cat := munger.NewCatalog()
	if err := cat.Register(m); err != nil {
		t.Fatal(err)
	}

	raw := filepath.Join(root, "raw")
	if err := os.MkdirAll(raw, 0o755); err != nil {
		t.Fatal(err)
	}
	fetcher := &source.Router{Local: &source.Local{Root: raw}}
	svc, err := core.NewService(ctx, storetest.NewSQLite(t), cat, jurisdictions, fetcher, core.Options{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return &testServer{t: t, srv: NewServer(svc, cfg), raw: raw, root: root}
}

func (ts *testServer) do(method, target string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	return ts.doWithKey(method, target, body, "")
}

func (ts *testServer) doWithKey(method, target string, body any, key string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if key != "" {
		req.Header.Set(cdfmw.APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

// load writes a raw file and loads it through the API.
func (ts *testServer) load(name, body string) loadResponse {
	ts.t.Helper()
	path := filepath.Join(ts.raw, name)
	writeFile(ts.t, path, body)
	rec := ts.do(http.MethodPost, "/api/load", core.LoadRequest{
		Source: path, Munger: "nc_precinct", Jurisdiction: testNC, Election: testElection,
	})
	if rec.Code != http.StatusOK {
		ts.t.Fatalf("POST /api/load status = %d, body = %s", rec.Code, rec.Body)
	}
	var res loadResponse
	decode(ts.t, rec, &res)
	return res
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const precincts = "County\tPrecinct\tTotal\nWake\t01\t500\nWake\t02\t300\n"

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Status string             `json:"status"`
		Loads  core.LimiterStatus `json:"loads"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || body.Loads.MaxConcurrent != 1 {
		t.Errorf("body = %+v", body)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.load("a.txt", precincts)

	rec := ts.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cdf_loads_total") {
		t.Error("metrics output lacks cdf_loads_total")
	}
}

func TestLoadThenRollup(t *testing.T) {
	ts := newTestServer(t)
	res := ts.load("a.txt", precincts)
	if res.Status != core.StatusLoaded || res.VoteCounts != 2 {
		t.Fatalf("load result = %+v", res.LoadResult)
	}

	rec := ts.do(http.MethodGet, "/api/rollup?election=2024+General&root=North+Carolina", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollup status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Rows []rollup.Row `json:"rows"`
	}
	decode(t, rec, &body)
	want := []rollup.Row{{Contest: "US President (NC)", ReportingUnit: testNC, Count: 800}}
	if diff := cmp.Diff(want, body.Rows, cmpopts.IgnoreFields(rollup.Row{}, "ContestID", "UnitID")); diff != "" {
		t.Errorf("rollup rows mismatch (-want +got):\n%s", diff)
	}

	again := ts.load("a.txt", precincts)
	if again.Status != core.StatusAlreadyLoaded {
		t.Errorf("second load status = %s, want %s", again.Status, core.StatusAlreadyLoaded)
	}
}

func TestRollup_Errors(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   string
	}{
		{name: "missing root", target: "/api/rollup?election=2024+General", wantStatus: http.StatusBadRequest, wantCode: "REQ001"},
		{name: "unknown election", target: "/api/rollup?election=1999&root=North+Carolina", wantStatus: http.StatusNotFound, wantCode: "LOAD003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.target, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body)
			}
			var e ErrorResponse
			decode(t, rec, &e)
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestLoad_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/load", map[string]string{"source": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d, want 400", rec.Code)
	}
	var missing ErrorResponse
	decode(t, rec, &missing)
	if missing.Message != `missing field "munger"` {
		t.Errorf("missing fields: message = %q, want the first missing field in request order", missing.Message)
	}

	rec = ts.do(http.MethodPost, "/api/load", map[string]any{"source": "x", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/load", core.LoadRequest{
		Source: filepath.Join(ts.raw, "a.txt"), Munger: "nope", Jurisdiction: testNC, Election: testElection,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown munger: status = %d, want 400; body = %s", rec.Code, rec.Body)
	}
	var res loadResponse
	decode(t, rec, &res)
	if res.Code != "LOAD002" || res.Status != core.StatusFailed {
		t.Errorf("unknown munger: response = %+v", res)
	}
}

func TestLoad_OutsideDataDir(t *testing.T) {
	ts := newTestServer(t)
	secret := filepath.Join(ts.root, "secret.txt")
	writeFile(t, secret, "DB_PASSWORD=hunter2\nAWS_KEY=AKIAEXAMPLE\n")

	for _, src := range []string{secret, "../secret.txt", "/etc/passwd"} {
		rec := ts.do(http.MethodPost, "/api/load", core.LoadRequest{
			Source: src, Munger: "nc_precinct", Jurisdiction: testNC, Election: testElection,
		})
		if rec.Code != http.StatusForbidden {
			t.Errorf("source %q: status = %d, want 403; body = %s", src, rec.Code, rec.Body)
			continue
		}
		var res loadResponse
		decode(t, rec, &res)
		if res.Code != "FILE004" {
			t.Errorf("source %q: code = %q, want FILE004", src, res.Code)
		}
		if res.FileHash != "" {
			t.Errorf("source %q: response carries file hash %q", src, res.FileHash)
		}
	}

	rec := ts.do(http.MethodGet, "/api/datafiles", nil)
	var list struct {
		DataFiles []core.DataFile `json:"datafiles"`
	}
	decode(t, rec, &list)
	if len(list.DataFiles) != 0 {
		t.Errorf("datafiles = %+v, want none", list.DataFiles)
	}
}

func TestMutatingRoutesRequireAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1"}}
	ts := newTestServerWith(t, cfg)
	path := filepath.Join(ts.raw, "a.txt")
	writeFile(t, path, precincts)
	req := core.LoadRequest{Source: path, Munger: "nc_precinct", Jurisdiction: testNC, Election: testElection}

	if rec := ts.do(http.MethodPost, "/api/load", req); rec.Code != http.StatusUnauthorized {
		t.Errorf("load without key: status = %d, want 401", rec.Code)
	}
	if rec := ts.doWithKey(http.MethodPost, "/api/load", req, "nope"); rec.Code != http.StatusForbidden {
		t.Errorf("load with wrong key: status = %d, want 403", rec.Code)
	}
	rec := ts.doWithKey(http.MethodPost, "/api/load", req, "k1")
	if rec.Code != http.StatusOK {
		t.Fatalf("load with key: status = %d, body = %s", rec.Code, rec.Body)
	}
	var res loadResponse
	decode(t, rec, &res)

	target := "/api/datafiles/" + jsonNumber(res.DataFileID) + "/rollback"
	if rec := ts.do(http.MethodPost, target, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("rollback without key: status = %d, want 401", rec.Code)
	}
	if rec := ts.doWithKey(http.MethodPost, target, nil, "k1"); rec.Code != http.StatusOK {
		t.Errorf("rollback with key: status = %d, body = %s", rec.Code, rec.Body)
	}

	// Reads stay open.
	if rec := ts.do(http.MethodGet, "/api/datafiles", nil); rec.Code != http.StatusOK {
		t.Errorf("datafiles without key: status = %d, want 200", rec.Code)
	}
}

func TestLoad_Busy(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.srv.loads.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ts.srv.loads.Release()

	rec := ts.do(http.MethodPost, "/api/load", core.LoadRequest{
		Source: "a.txt", Munger: "nc_precinct", Jurisdiction: testNC, Election: testElection,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var e ErrorResponse
	decode(t, rec, &e)
	if e.Code != "LOAD001" {
		t.Errorf("code = %q, want LOAD001", e.Code)
	}
}

func TestDataFilesAndRollback(t *testing.T) {
	ts := newTestServer(t)
	res := ts.load("a.txt", precincts)

	rec := ts.do(http.MethodGet, "/api/datafiles?election=2024+General", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("datafiles status = %d", rec.Code)
	}
	var list struct {
		DataFiles []core.DataFile `json:"datafiles"`
	}
	decode(t, rec, &list)
	if len(list.DataFiles) != 1 || list.DataFiles[0].ID != res.DataFileID || list.DataFiles[0].Status != core.FileLoaded {
		t.Fatalf("datafiles = %+v", list.DataFiles)
	}

	target := "/api/datafiles/" + jsonNumber(res.DataFileID) + "/rollback"
	rec = ts.do(http.MethodPost, target, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status = %d, body = %s", rec.Code, rec.Body)
	}
	var rb core.RollbackResult
	decode(t, rec, &rb)
	if !rb.Success || rb.RowsDeleted != 2 {
		t.Errorf("rollback = %+v", rb)
	}

	if rec := ts.do(http.MethodPost, target, nil); rec.Code != http.StatusConflict {
		t.Errorf("second rollback status = %d, want 409", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/datafiles/999999/rollback", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/datafiles/abc/rollback", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestExportEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.load("a.txt", precincts)

	rec := ts.do(http.MethodGet, "/api/export/v1?election=2024+General&jurisdiction=North+Carolina", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("v1 status = %d, body = %s", rec.Code, rec.Body)
	}
	doc, err := export.DecodeV1(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeV1() error = %v", err)
	}
	if len(doc.Contests) != 1 || doc.Contests[0].Name != "US President (NC)" {
		t.Errorf("contests = %+v", doc.Contests)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "2024_General-North_Carolina.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = ts.do(http.MethodGet, "/api/export/v2?election=2024+General&jurisdiction=North+Carolina", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("v2 status = %d", rec.Code)
	}
	var report export.ReportV2
	if err := xml.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("xml.Unmarshal() error = %v", err)
	}
	if report.Format != export.FormatV2 {
		t.Errorf("Format = %q", report.Format)
	}

	if rec := ts.do(http.MethodGet, "/api/export/v1?election=2024+General&jurisdiction=Atlantis", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown jurisdiction status = %d, want 404", rec.Code)
	}
}

func TestReconcileAndUnknowns(t *testing.T) {
	ts := newTestServer(t)
	ts.load("a.txt", precincts)

	rec := ts.do(http.MethodGet, "/api/reconcile?election=2024+General&jurisdiction=North+Carolina", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d, body = %s", rec.Code, rec.Body)
	}
	var r rollup.Reconciliation
	decode(t, rec, &r)
	if !r.Pass {
		t.Errorf("reconciliation = %+v, want pass", r)
	}

	rec = ts.do(http.MethodGet, "/api/unknowns?election=2024+General", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknowns status = %d", rec.Code)
	}
	var u struct {
		Unknowns []rollup.UnknownValue `json:"unknowns"`
	}
	decode(t, rec, &u)
	if len(u.Unknowns) != 0 {
		t.Errorf("unknowns = %+v, want none", u.Unknowns)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrTooManyLoads, http.StatusServiceUnavailable},
		{rollup.ErrNotFound, http.StatusNotFound},
		{core.ErrAlreadyRolledBack, http.StatusConflict},
		{core.ErrUnknownJurisdiction, http.StatusBadRequest},
		{munger.ErrStructural, http.StatusUnprocessableEntity},
		{source.ErrOutsideRoot, http.StatusForbidden},
		{&export.ExportMismatchError{}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
