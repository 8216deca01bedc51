package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/logging"
	"github.com/JonMunkholm/cdf/internal/metrics"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/source"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// voteKey is the natural key of a vote_count row within one data file.
type voteKey struct {
	contest, selection, unit, countType int64
}

// LoadFile loads one raw file. Failures are reported in the result, never
// panicked or returned separately, so batch callers can keep going.
func (s *Service) LoadFile(ctx context.Context, req LoadRequest) (res LoadResult) {
	start := time.Now()
	res = LoadResult{LoadID: uuid.NewString(), Source: req.Source}
	log := logging.WithFields(ctx,
		"load_id", res.LoadID,
		"file", req.Source,
		"munger", req.Munger,
		"jurisdiction", req.Jurisdiction,
	)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	defer func() {
		res.Duration = time.Since(start)
		metrics.LoadsTotal.WithLabelValues(string(res.Status)).Inc()
		metrics.LoadDuration.Observe(res.Duration.Seconds())
	}()

	log.Info("load started", "election", req.Election, "force", req.Force)
	if err := s.load(ctx, req, &res, log); err != nil {
		if res.Status == "" {
			res.Status = StatusFailed
		}
		res.Err = err
		res.Error = FormatUserError(err)
		log.Error("load failed", "status", res.Status, "error", err)
		return res
	}
	log.Info("load finished",
		"status", res.Status,
		"datafile_id", res.DataFileID,
		"rows", res.RowsRead,
		"vote_counts", res.VoteCounts,
		"excluded", res.RowsExcluded,
		"unknown", res.RowsUnknown,
	)
	return res
}

// readFile fetches, hashes and munges a raw file.
func (s *Service) readFile(ctx context.Context, uri string, m *munger.Munger) (source.File, string, *munger.Table, error) {
	file, err := s.fetcher.Fetch(ctx, uri)
	if err != nil {
		return source.File{}, "", nil, err
	}
	if int64(len(file.Data)) > s.opts.MaxFileSize {
		return source.File{}, "", nil, fmt.Errorf("%s: %w: %d bytes exceeds %d",
			uri, source.ErrTooLarge, len(file.Data), s.opts.MaxFileSize)
	}
	sum := sha256.Sum256(file.Data)
	hash := hex.EncodeToString(sum[:])

	table, err := munger.Read(munger.RawFile{Name: file.Name, Data: file.Data}, m)
	if err != nil {
		return file, hash, nil, err
	}
	return file, hash, table, nil
}

// resolveRows canonicalizes every long row, logging each excluded row.
func resolveRows(j *canon.Jurisdiction, m *munger.Munger, t *munger.Table, log *slog.Logger) ([]canon.Record, *canon.Report) {
	c := j.Canonicalizer()
	report := canon.NewReport()
	records := make([]canon.Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec, issues, ok := c.ResolveRow(m, row)
		report.AddRow(row.Line, issues, !ok)
		if !ok {
			for _, is := range issues {
				if is.Disposition == canon.Excluded && log != nil {
					log.Warn("row excluded", "line", row.Line, "element", is.Element, "raw_value", is.Raw)
				}
			}
			continue
		}
		records = append(records, rec)
	}
	return records, report
}

func (s *Service) load(ctx context.Context, req LoadRequest, res *LoadResult, log *slog.Logger) error {
	m, j, err := s.resolve(req)
	if err != nil {
		return err
	}

	file, hash, table, err := s.readFile(ctx, req.Source, m)
	res.FileHash = hash
	if err != nil {
		if errors.Is(err, munger.ErrStructural) {
			res.Status = StatusStructuralError
		}
		return err
	}
	if table.EncodingFell {
		log.Warn("declared encoding failed, undecodable bytes dropped",
			"encoding", m.Encoding, "dropped_bytes", table.DroppedBytes)
	}
	res.RowsRead = len(table.Rows)

	records, report := resolveRows(j, m, table, log)
	res.RowsExcluded = report.ExcludedRows()
	res.RowsUnknown = report.UnknownRows()
	res.Unresolved = report.Entries()

	eng := s.engine.WithCache()
	electionID, err := ensureElection(ctx, eng, req)
	if err != nil {
		return err
	}
	elems := newElementSet(eng, j, electionID)
	rootID, err := elems.unit(ctx, j.Name)
	if err != nil {
		return err
	}

	dfID, status, err := s.dataFile(ctx, eng, file, hash, m.Name, electionID, rootID)
	if err != nil {
		return err
	}
	res.DataFileID = dfID
	log = log.With("datafile_id", dfID)
	if status == FileLoaded && !req.Force {
		res.Status = StatusAlreadyLoaded
		log.Info("data file already loaded, skipping")
		return nil
	}

	counts, contestIDs, err := s.buildCounts(ctx, elems, records)
	if err != nil {
		return s.failDataFile(ctx, dfID, err, log)
	}

	err = store.InTx(ctx, s.db, func(tx store.Tx) error {
		if err := replaceVoteCounts(ctx, tx, dfID, electionID, counts, s.opts.BatchSize); err != nil {
			return err
		}
		if err := replaceUnresolved(ctx, tx, dfID, res.Unresolved, contestIDs); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE datafile
SET status = $2, loaded_at = $3, rows_loaded = $4, rows_excluded = $5, source = $6, size_bytes = $7, etag = $8
WHERE id = $1`,
			dfID, FileLoaded, time.Now().UTC().Format(time.RFC3339), int64(len(records)),
			int64(res.RowsExcluded), file.URI, int64(len(file.Data)), file.ETag)
		return err
	})
	if err != nil {
		return s.failDataFile(ctx, dfID, fmt.Errorf("write vote counts: %w", err), log)
	}

	res.Status = StatusLoaded
	res.VoteCounts = len(counts)
	metrics.VoteCountsWritten.Add(float64(len(counts)))
	metrics.RowsExcluded.Add(float64(res.RowsExcluded))
	for _, u := range res.Unresolved {
		metrics.UnresolvedValues.WithLabelValues(string(u.Element), string(u.Disposition)).Inc()
	}

	s.reconcileAfterLoad(ctx, req.Election, j.Name, res, log)
	return nil
}

// dataFile get-or-creates the datafile row and returns its current status.
func (s *Service) dataFile(ctx context.Context, eng *upsert.Engine, file source.File, hash, mungerName string, electionID, rootID int64) (int64, string, error) {
	id, err := eng.GetOrCreate(ctx, store.TableDataFile,
		upsert.Values{
			"file_hash":       hash,
			"election_id":     electionID,
			"jurisdiction_id": rootID,
			"munger":          mungerName,
		},
		upsert.Values{
			"source":     file.URI,
			"size_bytes": int64(len(file.Data)),
			"etag":       file.ETag,
			"status":     FilePending,
		})
	if err != nil {
		return 0, "", fmt.Errorf("data file: %w", err)
	}
	var status string
	if err := s.db.QueryRow(ctx, `SELECT status FROM datafile WHERE id = $1`, id).Scan(&status); err != nil {
		return 0, "", fmt.Errorf("data file status: %w", err)
	}
	return id, status, nil
}

// buildCounts creates the dimension elements of every record and sums
// counts by vote_count natural key. It also returns contest ids by name for
// the unresolved-value rows.
func (s *Service) buildCounts(ctx context.Context, elems *elementSet, records []canon.Record) (map[voteKey]int64, map[string]int64, error) {
	counts := make(map[voteKey]int64)
	contestIDs := make(map[string]int64)
	for _, rec := range records {
		unitID, err := elems.unit(ctx, rec.ReportingUnit)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		contestID, err := elems.contest(ctx, rec.ContestKind, rec.Contest)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if _, seen := contestIDs[rec.Contest]; !seen {
			contestIDs[rec.Contest] = contestID
		}
		selID, err := elems.selection(ctx, contestID, rec)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		citID, err := elems.enum(ctx, store.TableCountItemType, rec.CountItemType)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: count item type %q: %w", rec.Line, rec.CountItemType, err)
		}
		counts[voteKey{contestID, selID, unitID, citID}] += rec.Count
	}
	return counts, contestIDs, nil
}

// failDataFile marks the data file failed and returns err. Dimension rows
// created before the failure are kept.
func (s *Service) failDataFile(ctx context.Context, dfID int64, err error, log *slog.Logger) error {
	if _, uerr := s.db.Exec(context.WithoutCancel(ctx),
		`UPDATE datafile SET status = $2 WHERE id = $1 AND status <> $3`, dfID, FileFailed, FileLoaded); uerr != nil {
		log.Warn("could not mark data file failed", "error", uerr)
	}
	return err
}

func replaceVoteCounts(ctx context.Context, tx store.Tx, dfID, electionID int64, counts map[voteKey]int64, batchSize int) error {
	if _, err := tx.Exec(ctx, `DELETE FROM vote_count WHERE datafile_id = $1`, dfID); err != nil {
		return fmt.Errorf("delete previous vote counts: %w", err)
	}

	keys := make([]voteKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.contest != b.contest {
			return a.contest < b.contest
		}
		if a.unit != b.unit {
			return a.unit < b.unit
		}
		if a.selection != b.selection {
			return a.selection < b.selection
		}
		return a.countType < b.countType
	})

	const cols = 7
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*cols)
		for i, k := range keys[start:end] {
			values = append(values, "("+store.Placeholders(i*cols+1, cols)+")")
			args = append(args, k.contest, k.selection, k.unit, k.countType, electionID, dfID, counts[k])
		}
		query := `INSERT INTO vote_count
(contest_id, selection_id, reporting_unit_id, count_item_type_id, election_id, datafile_id, count)
VALUES ` + strings.Join(values, ", ")
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert vote counts: %w", err)
		}
	}
	return nil
}

func replaceUnresolved(ctx context.Context, tx store.Tx, dfID int64, entries []canon.Unresolved, contestIDs map[string]int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM unresolved_value WHERE datafile_id = $1`, dfID); err != nil {
		return fmt.Errorf("delete previous unresolved values: %w", err)
	}
	for _, u := range entries {
		_, err := tx.Exec(ctx, `INSERT INTO unresolved_value
(datafile_id, element, raw_value, contest_id, disposition, row_count, first_row)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			dfID, string(u.Element), u.Raw, contestIDs[u.Contest], string(u.Disposition), int64(u.Rows), int64(u.FirstLine))
		if err != nil {
			return fmt.Errorf("insert unresolved value: %w", err)
		}
	}
	return nil
}

// reconcileAfterLoad checks totals against granular vote types. A failure
// is logged and reported, never fatal.
func (s *Service) reconcileAfterLoad(ctx context.Context, election, jurisdiction string, res *LoadResult, log *slog.Logger) {
	rec, err := rollup.Reconcile(ctx, s.db, election, jurisdiction)
	if err != nil {
		log.Warn("reconciliation skipped", "error", err)
		return
	}
	res.Reconciliation = &rec
	if w := rec.Warning(); w != nil {
		log.Warn("reconciliation mismatch", "mismatches", len(rec.Mismatches), "error", w)
	}
}
