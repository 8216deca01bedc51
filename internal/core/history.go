package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/cdf/internal/logging"
	"github.com/JonMunkholm/cdf/internal/store"
)

// ErrDataFileNotFound is returned for an unknown data file id.
var ErrDataFileNotFound = errors.New("data file not found")

// ErrAlreadyRolledBack is returned when rolling back a rolled-back file.
var ErrAlreadyRolledBack = errors.New("data file already rolled back")

// HistoryFilter narrows ListDataFiles. Empty fields match everything.
type HistoryFilter struct {
	Election     string
	Jurisdiction string
	Status       string
	Limit        int
}

// ListDataFiles returns load history, newest data file first.
func (s *Service) ListDataFiles(ctx context.Context, f HistoryFilter) ([]DataFile, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Election != "" {
		add("e.name = $%d", f.Election)
	}
	if f.Jurisdiction != "" {
		add("ru.name = $%d", f.Jurisdiction)
	}
	if f.Status != "" {
		add("df.status = $%d", f.Status)
	}

	query := `SELECT df.id, df.source, df.file_hash, df.size_bytes, df.etag, df.munger,
	COALESCE(e.name, ''), COALESCE(ru.name, ''), df.status, df.loaded_at,
	df.rows_loaded, df.rows_excluded,
	(SELECT COUNT(*) FROM vote_count vc WHERE vc.datafile_id = df.id)
FROM datafile df
LEFT JOIN election e ON e.id = df.election_id
LEFT JOIN reporting_unit ru ON ru.id = df.jurisdiction_id`
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	query += "\nORDER BY df.id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf("\nLIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	defer rows.Close()

	var out []DataFile
	for rows.Next() {
		var d DataFile
		if err := rows.Scan(&d.ID, &d.Source, &d.FileHash, &d.SizeBytes, &d.ETag, &d.Munger,
			&d.Election, &d.Jurisdiction, &d.Status, &d.LoadedAt,
			&d.RowsLoaded, &d.RowsExcluded, &d.VoteCounts); err != nil {
			return nil, fmt.Errorf("list data files: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	return out, nil
}

// RollbackDataFile deletes every vote count and unresolved value loaded
// from one data file and marks it rolled back. The file can be loaded again
// afterwards. Dimension elements are never deleted.
func (s *Service) RollbackDataFile(ctx context.Context, id int64) (RollbackResult, error) {
	result := RollbackResult{DataFileID: id}

	var status string
	err := s.db.QueryRow(ctx, `SELECT source, status FROM datafile WHERE id = $1`, id).Scan(&result.Source, &status)
	if errors.Is(err, store.ErrNoRows) {
		result.Error = ErrDataFileNotFound.Error()
		return result, fmt.Errorf("%w: %d", ErrDataFileNotFound, id)
	}
	if err != nil {
		result.Error = fmt.Sprintf("lookup failed: %v", err)
		return result, fmt.Errorf("get data file: %w", err)
	}
	if status == FileRolledBack {
		result.Error = ErrAlreadyRolledBack.Error()
		return result, fmt.Errorf("%w: %d", ErrAlreadyRolledBack, id)
	}

	err = store.InTx(ctx, s.db, func(tx store.Tx) error {
		n, err := tx.Exec(ctx, `DELETE FROM vote_count WHERE datafile_id = $1`, id)
		if err != nil {
			return err
		}
		result.RowsDeleted = n
		if _, err := tx.Exec(ctx, `DELETE FROM unresolved_value WHERE datafile_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE datafile SET status = $2, rows_loaded = 0 WHERE id = $1`, id, FileRolledBack)
		return err
	})
	if err != nil {
		result.RowsDeleted = 0
		result.Error = fmt.Sprintf("delete failed: %v", err)
		return result, fmt.Errorf("rollback data file %d: %w", id, err)
	}

	result.Success = true
	logging.FromContext(ctx).Info("data file rolled back",
		"datafile_id", id, "source", result.Source, "rows_deleted", result.RowsDeleted)
	return result, nil
}
