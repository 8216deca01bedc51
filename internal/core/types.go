package core

import (
	"time"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/rollup"
)

// LoadStatus is the outcome of one file load.
type LoadStatus string

const (
	StatusLoaded          LoadStatus = "loaded"
	StatusAlreadyLoaded   LoadStatus = "already_loaded"
	StatusStructuralError LoadStatus = "structural_error"
	StatusFailed          LoadStatus = "failed"
)

// Data file states stored in datafile.status.
const (
	FilePending    = "pending"
	FileLoaded     = "loaded"
	FileFailed     = "failed"
	FileRolledBack = "rolled_back"
)

// LoadRequest names one raw file and how to interpret it.
type LoadRequest struct {
	Source       string `json:"source"` // local path or s3://bucket/key
	Munger       string `json:"munger"`
	Jurisdiction string `json:"jurisdiction"`
	Election     string `json:"election"`
	ElectionType string `json:"election_type,omitempty"` // default "general"
	Year         int    `json:"year,omitempty"`          // default: parsed from Election
	Force        bool   `json:"force,omitempty"`
}

// LoadResult reports what one load did.
type LoadResult struct {
	LoadID     string     `json:"load_id"`
	Source     string     `json:"source"`
	Status     LoadStatus `json:"status"`
	DataFileID int64      `json:"datafile_id,omitempty"`
	FileHash   string     `json:"file_hash,omitempty"`

	RowsRead     int `json:"rows_read"`
	VoteCounts   int `json:"vote_counts"`
	RowsExcluded int `json:"rows_excluded"`
	RowsUnknown  int `json:"rows_unknown"`

	Unresolved     []canon.Unresolved     `json:"unresolved,omitempty"`
	Reconciliation *rollup.Reconciliation `json:"reconciliation,omitempty"`

	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// OK reports whether the file is loaded, now or earlier.
func (r LoadResult) OK() bool {
	return r.Status == StatusLoaded || r.Status == StatusAlreadyLoaded
}

// BatchResult holds one LoadResult per source.
type BatchResult struct {
	Results    map[string]LoadResult `json:"results"`
	Loaded     int                   `json:"loaded"`
	Skipped    int                   `json:"skipped"`
	Failed     int                   `json:"failed"`
	Duplicates int                   `json:"duplicates,omitempty"`
}

// PreviewResult is a dry run of a load.
type PreviewResult struct {
	Source       string             `json:"source"`
	FileHash     string             `json:"file_hash"`
	InfoColumns  []string           `json:"info_columns"`
	CountColumns []string           `json:"count_columns"`
	RowsRead     int                `json:"rows_read"`
	RowsResolved int                `json:"rows_resolved"`
	RowsExcluded int                `json:"rows_excluded"`
	RowsUnknown  int                `json:"rows_unknown"`
	EncodingFell bool               `json:"encoding_fallback"`
	Sample       []canon.Record     `json:"sample"`
	Unresolved   []canon.Unresolved `json:"unresolved"`
}

// DataFile is one row of load history.
type DataFile struct {
	ID           int64  `json:"id"`
	Source       string `json:"source"`
	FileHash     string `json:"file_hash"`
	SizeBytes    int64  `json:"size_bytes"`
	ETag         string `json:"etag,omitempty"`
	Munger       string `json:"munger"`
	Election     string `json:"election"`
	Jurisdiction string `json:"jurisdiction"`
	Status       string `json:"status"`
	LoadedAt     string `json:"loaded_at,omitempty"`
	RowsLoaded   int64  `json:"rows_loaded"`
	RowsExcluded int64  `json:"rows_excluded"`
	VoteCounts   int64  `json:"vote_counts"`
}

// RollbackResult reports a data file rollback.
type RollbackResult struct {
	DataFileID  int64  `json:"datafile_id"`
	Source      string `json:"source"`
	RowsDeleted int64  `json:"rows_deleted"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// SeedResult counts the elements written by SeedJurisdiction.
type SeedResult struct {
	Jurisdiction string `json:"jurisdiction"`
	Units        int    `json:"reporting_units"`
	Parties      int    `json:"parties"`
	Offices      int    `json:"offices"`
	Contests     int    `json:"contests"`
	Candidates   int    `json:"candidates"`
	ExternalIDs  int    `json:"external_identifiers"`
}
