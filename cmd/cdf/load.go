package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cdf/internal/core"
)

// loadFlags are shared by load and preview.
type loadFlags struct {
	req core.LoadRequest
}

func (f *loadFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.req.Munger, "munger", "m", "", "munger name (required)")
	flags.StringVarP(&f.req.Jurisdiction, "jurisdiction", "j", "", "jurisdiction name (required)")
	flags.StringVarP(&f.req.Election, "election", "e", "", "election name (required)")
	flags.StringVar(&f.req.ElectionType, "election-type", "", "election type when the election is new (default general)")
	flags.IntVar(&f.req.Year, "year", 0, "election year (default: parsed from the election name)")
	_ = cmd.MarkFlagRequired("munger")
	_ = cmd.MarkFlagRequired("jurisdiction")
	_ = cmd.MarkFlagRequired("election")
}

func newLoadCommand(a *app) *cobra.Command {
	var f loadFlags
	cmd := &cobra.Command{
		Use:   "load SOURCE...",
		Short: "Load raw result files",
		Long: `
Loads each SOURCE (a file, a directory of files, or an s3://bucket/prefix)
with the named munger and jurisdiction. Files load concurrently; a failed
file never stops the others. A file whose content is already loaded is
skipped unless --force is given.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			f.req.Force = f.req.Force || a.cfg.Load.Force
			reqs, err := svc.ExpandSources(ctx, f.req, args)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				return fmt.Errorf("no files found under %v", args)
			}

			res := svc.LoadBatch(ctx, reqs)
			if err := a.printJSON(res); err != nil {
				return err
			}
			return batchError(res)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&f.req.Force, "force", "f", false, "reload files that are already loaded")
	return cmd
}

// batchError summarizes failed loads. A single failure is returned as is so
// its error code reaches the operator.
func batchError(res core.BatchResult) error {
	if res.Failed == 0 {
		return nil
	}
	var failed []string
	var last error
	for src, r := range res.Results {
		if !r.OK() {
			failed = append(failed, src)
			last = r.Err
		}
	}
	sort.Strings(failed)
	if len(failed) == 1 {
		return fmt.Errorf("load %s: %w", failed[0], last)
	}
	return fmt.Errorf("%d of %d files failed: %v", len(failed), len(res.Results), failed)
}

func newPreviewCommand(a *app) *cobra.Command {
	var (
		f      loadFlags
		sample int
	)
	cmd := &cobra.Command{
		Use:   "preview SOURCE",
		Short: "Read and canonicalize a file without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			req := f.req
			req.Source = args[0]
			res, err := svc.Preview(cmd.Context(), req, sample)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&sample, "sample", core.DefaultPreviewRows, "canonical records to show")
	return cmd
}

func newSeedCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed JURISDICTION",
		Short: "Create every element defined in a jurisdiction's element files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.SeedJurisdiction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	var filter core.HistoryFilter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List loaded data files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			files, err := svc.ListDataFiles(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.printJSON(files)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&filter.Election, "election", "e", "", "only this election")
	flags.StringVarP(&filter.Jurisdiction, "jurisdiction", "j", "", "only this jurisdiction")
	flags.StringVar(&filter.Status, "status", "", "only this status (pending, loaded, failed, rolled_back)")
	flags.IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newRollbackCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback DATAFILE_ID",
		Short: "Delete the vote counts loaded from one data file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid data file id %q", args[0])
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.RollbackDataFile(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
}
