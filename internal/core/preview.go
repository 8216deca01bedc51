package core

import (
	"context"

	"github.com/JonMunkholm/cdf/internal/canon"
)

// DefaultPreviewRows is how many canonical records Preview returns.
const DefaultPreviewRows = 20

// Preview reads and canonicalizes a file without writing anything.
func (s *Service) Preview(ctx context.Context, req LoadRequest, sampleRows int) (PreviewResult, error) {
	if sampleRows <= 0 {
		sampleRows = DefaultPreviewRows
	}
	res := PreviewResult{Source: req.Source}

	m, j, err := s.resolve(req)
	if err != nil {
		return res, err
	}
	_, hash, table, err := s.readFile(ctx, req.Source, m)
	res.FileHash = hash
	if err != nil {
		return res, err
	}

	records, report := resolveRows(j, m, table, nil)
	res.InfoColumns = table.InfoColumns
	res.CountColumns = table.CountColumns
	res.RowsRead = len(table.Rows)
	res.RowsResolved = len(records)
	res.RowsExcluded = report.ExcludedRows()
	res.RowsUnknown = report.UnknownRows()
	res.EncodingFell = table.EncodingFell
	res.Unresolved = report.Entries()
	if len(records) > sampleRows {
		records = records[:sampleRows]
	}
	res.Sample = append([]canon.Record(nil), records...)
	return res, nil
}
