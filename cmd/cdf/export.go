package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cdf/internal/export"
)

func newExportCommand(a *app) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export ELECTION JURISDICTION",
		Short: "Export an election's results for a jurisdiction",
		Long: `
Writes the results stored under JURISDICTION as a v1 JSON document
(--format v1) or a v2 XML ElectionReport (--format v2). The document goes to
stdout unless --out names a file.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			var body []byte
			switch format {
			case "v1":
				body, err = export.ExportV1(cmd.Context(), svc.DB(), args[0], args[1])
			case "v2":
				body, err = export.ExportV2(cmd.Context(), svc.DB(), args[0], args[1])
			default:
				return fmt.Errorf("unknown format %q (want v1 or v2)", format)
			}
			if err != nil {
				return err
			}
			if out == "" {
				_, err = a.stdout.Write(body)
				return err
			}
			if err := os.WriteFile(out, body, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(a.stderr, "wrote %d bytes to %s\n", len(body), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "v1", "document format: v1 or v2")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Store the results of a v1 export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := export.DecodeV1(data)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := export.ImportV1(cmd.Context(), svc.Engine(), svc.DB(), doc)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
}

func newCompareCommand(a *app) *cobra.Command {
	var (
		keys  []string
		count string
	)
	cmd := &cobra.Command{
		Use:   "compare A.tsv B.tsv",
		Short: "Diff two tab-separated extracts by key",
		Long: `
Matches the rows of two extracts on the --key columns and prints the rows
whose --count differs or that appear in only one file. Counts compare as
numbers, so "1,200" equals "1200". No output rows means the extracts agree.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables := make([]*export.Table, 2)
			for i, path := range args {
				t, err := readTableFile(path)
				if err != nil {
					return err
				}
				tables[i] = t
			}
			diff, err := export.Compare(tables[0], tables[1], keys, count)
			if err != nil {
				return err
			}
			return export.WriteTable(a.stdout, diff)
		},
	}
	cmd.Flags().StringSliceVarP(&keys, "key", "k", []string{"Contest", "ReportingUnit", "Selection"}, "key columns")
	cmd.Flags().StringVar(&count, "count", "Count", "count column")
	return cmd
}

func readTableFile(path string) (*export.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := export.ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ELECTION REFERENCES",
		Short: "Check stored results against reference values",
		Long: `
Reads a tab-separated REFERENCES file of official-final values and compares
each against the rollup of the stored results. Prints the verification and
exits non-zero when any value disagrees.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			refs, err := export.ReadReferences(f)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			v, verr := export.Verify(cmd.Context(), svc.DB(), args[0], refs)
			var mismatch *export.ExportMismatchError
			if verr != nil && !errors.As(verr, &mismatch) {
				return verr
			}
			if err := a.printJSON(v); err != nil {
				return err
			}
			return verr
		},
	}
}
