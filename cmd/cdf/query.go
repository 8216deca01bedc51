package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cdf/internal/export"
	"github.com/JonMunkholm/cdf/internal/rollup"
)

func newRollupCommand(a *app) *cobra.Command {
	var (
		req    rollup.Request
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Aggregate vote counts up the reporting-unit hierarchy",
		Long: `
Sums the election's vote counts under --root, grouped by contest and by the
nearest ancestor of type --level (or --root itself when no level is given).
Output is tab-separated unless --json is set.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := rollup.Rollup(cmd.Context(), svc.DB(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(rows)
			}
			return export.WriteTable(a.stdout, rollupTable(rows, req))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&req.Election, "election", "e", "", "election name (required)")
	flags.StringVarP(&req.Root, "root", "r", "", "root reporting unit (required)")
	flags.StringVarP(&req.Level, "level", "l", "", "reporting unit type to group by")
	flags.StringVarP(&req.Contest, "contest", "c", "", "only this contest")
	flags.BoolVar(&req.ByVoteType, "by-vote-type", false, "break counts out by count item type")
	flags.BoolVar(&req.ExcludeTotalType, "exclude-total", false, "prefer granular vote types over reported totals")
	flags.BoolVar(&req.BySelection, "by-selection", false, "break counts out by selection")
	flags.BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	_ = cmd.MarkFlagRequired("election")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

// rollupTable lays rows out with the columns the request asked for.
func rollupTable(rows []rollup.Row, req rollup.Request) *export.Table {
	t := &export.Table{Columns: []string{"Contest", "ReportingUnit"}}
	if req.BySelection {
		t.Columns = append(t.Columns, "Selection")
	}
	if req.ByVoteType {
		t.Columns = append(t.Columns, "VoteType")
	}
	t.Columns = append(t.Columns, "Count")

	for _, r := range rows {
		rec := []string{r.Contest, r.ReportingUnit}
		if req.BySelection {
			rec = append(rec, r.Selection)
		}
		if req.ByVoteType {
			rec = append(rec, r.CountItemType)
		}
		t.Rows = append(t.Rows, append(rec, strconv.FormatInt(r.Count, 10)))
	}
	return t
}

func newReconcileCommand(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "reconcile ELECTION JURISDICTION",
		Short: "Check reported totals against the sum of their vote types",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := rollup.Reconcile(cmd.Context(), svc.DB(), args[0], args[1])
			if err != nil {
				return err
			}
			if err := a.printJSON(rec); err != nil {
				return err
			}
			if strict {
				return rec.Warning()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when reconciliation fails")
	return cmd
}

func newUnknownsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unknowns ELECTION",
		Short: "List contests whose loads recorded unresolved values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			vals, err := rollup.UnknownContests(cmd.Context(), svc.DB(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(vals)
		},
	}
}
