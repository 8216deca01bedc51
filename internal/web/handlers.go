package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/cdf/internal/core"
	"github.com/JonMunkholm/cdf/internal/export"
	"github.com/JonMunkholm/cdf/internal/logging"
	"github.com/JonMunkholm/cdf/internal/rollup"
)

// maxLoadRequestBytes bounds the JSON body of POST /api/load.
const maxLoadRequestBytes = 1 << 20

// handleHealth reports store connectivity and load slots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "loads": s.loads.Status()}
	if err := s.service.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Warn("health check failed", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

// required returns the named query parameters, or writes a 400 naming the
// first missing one.
func required(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
	q := r.URL.Query()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimSpace(q.Get(n))
		if out[i] == "" {
			badRequest(w, fmt.Sprintf("missing query parameter %q", n))
			return nil, false
		}
	}
	return out, true
}

// parseBoolParam reads a boolean query parameter; absent or invalid is false.
func parseBoolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// handleRollup serves GET /api/rollup?election=&root=[&level=&contest=
// &by_vote_type=&exclude_total=&by_selection=].
func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	p, ok := required(w, r, "election", "root")
	if !ok {
		return
	}
	q := r.URL.Query()
	req := rollup.Request{
		Election:         p[0],
		Root:             p[1],
		Level:            q.Get("level"),
		Contest:          q.Get("contest"),
		ByVoteType:       parseBoolParam(r, "by_vote_type"),
		ExcludeTotalType: parseBoolParam(r, "exclude_total"),
		BySelection:      parseBoolParam(r, "by_selection"),
	}
	rows, err := rollup.Rollup(r.Context(), s.service.DB(), req)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"election": req.Election, "root": req.Root, "rows": rows})
}

// handleReconcile serves GET /api/reconcile?election=&jurisdiction=.
// A failed reconciliation is a normal 200 response with pass=false.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	p, ok := required(w, r, "election", "jurisdiction")
	if !ok {
		return
	}
	rec, err := rollup.Reconcile(r.Context(), s.service.DB(), p[0], p[1])
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUnknowns serves GET /api/unknowns?election=.
func (s *Server) handleUnknowns(w http.ResponseWriter, r *http.Request) {
	p, ok := required(w, r, "election")
	if !ok {
		return
	}
	vals, err := rollup.UnknownContests(r.Context(), s.service.DB(), p[0])
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"election": p[0], "unknowns": vals})
}

// handleExportV1 serves GET /api/export/v1?election=&jurisdiction=.
func (s *Server) handleExportV1(w http.ResponseWriter, r *http.Request) {
	p, ok := required(w, r, "election", "jurisdiction")
	if !ok {
		return
	}
	body, err := export.ExportV1(r.Context(), s.service.DB(), p[0], p[1])
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeDocument(w, "application/json", exportFilename(p[0], p[1], "json"), body)
}

// handleExportV2 serves GET /api/export/v2?election=&jurisdiction=.
func (s *Server) handleExportV2(w http.ResponseWriter, r *http.Request) {
	p, ok := required(w, r, "election", "jurisdiction")
	if !ok {
		return
	}
	body, err := export.ExportV2(r.Context(), s.service.DB(), p[0], p[1])
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeDocument(w, "application/xml", exportFilename(p[0], p[1], "xml"), body)
}

func exportFilename(election, jurisdiction, ext string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			}
			return '_'
		}, s)
	}
	return clean(election) + "-" + clean(jurisdiction) + "." + ext
}

// handleListDataFiles serves GET /api/datafiles?[election=&jurisdiction=
// &status=&limit=].
func (s *Server) handleListDataFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	files, err := s.service.ListDataFiles(r.Context(), core.HistoryFilter{
		Election:     q.Get("election"),
		Jurisdiction: q.Get("jurisdiction"),
		Status:       q.Get("status"),
		Limit:        parseIntParam(r, "limit", 100),
	})
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datafiles": files})
}

// handleRollback serves POST /api/datafiles/{id}/rollback.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid data file id")
		return
	}
	res, err := s.service.RollbackDataFile(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// loadResponse adds the stable error code to a failed load.
type loadResponse struct {
	core.LoadResult
	Code string `json:"code,omitempty"`
}

// handleLoad serves POST /api/load with a JSON core.LoadRequest body. The
// load runs in the request; at most Load.MaxConcurrent run at once and
// further requests wait up to Load.MaxWaitTime for a slot.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoadRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req core.LoadRequest
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid load request: "+err.Error())
		return
	}
	for _, f := range []struct{ name, value string }{
		{"source", req.Source},
		{"munger", req.Munger},
		{"jurisdiction", req.Jurisdiction},
		{"election", req.Election},
	} {
		if strings.TrimSpace(f.value) == "" {
			badRequest(w, fmt.Sprintf("missing field %q", f.name))
			return
		}
	}
	req.Force = req.Force || s.cfg.Load.Force

	if err := s.loads.Acquire(r.Context()); err != nil {
		w.Header().Set("Retry-After", "30")
		s.respondError(w, r, err, 0)
		return
	}
	defer s.loads.Release()

	res := s.service.LoadFile(r.Context(), req)
	if res.OK() {
		writeJSON(w, http.StatusOK, loadResponse{LoadResult: res})
		return
	}
	writeJSON(w, statusFor(res.Err), loadResponse{LoadResult: res, Code: core.MapError(res.Err).Code})
}

// handleLoadStatus serves GET /api/load/status.
func (s *Server) handleLoadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loads.Status())
}
