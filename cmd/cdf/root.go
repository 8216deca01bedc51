package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/config"
	"github.com/JonMunkholm/cdf/internal/core"
	"github.com/JonMunkholm/cdf/internal/logging"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/source"
	"github.com/JonMunkholm/cdf/internal/store"
)

// app carries what every subcommand shares. The store and service are
// opened on first use so commands that work on files alone need no
// database configuration.
type app struct {
	stdout, stderr io.Writer
	envFiles       []string

	// dataRoot confines local raw files; set by serve before the service
	// is built.
	dataRoot string

	cfg *config.Config
	db  store.DB
	svc *core.Service
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// rootCommand builds the command tree. Callers close a after Execute.
func (a *app) rootCommand() *cobra.Command {
	rc := &cobra.Command{
		Use:   "cdf",
		Short: "Load, roll up and export election results in the Common Data Format",
		Long: `cdf reads raw election-result files through mungers, canonicalizes them
against a jurisdiction's dictionary, and loads them into a relational store
shaped like the NIST Common Data Format. Stored results can be rolled up,
reconciled, exported as v1 JSON or v2 XML, and verified against reference
values.

Configuration comes from the environment; see internal/config for the
variables. A .env file in the working directory is read first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadEnvFiles(a.envFiles...)
			if err != nil {
				return err
			}
			slog.SetDefault(logging.New(a.stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
			if len(loaded) > 0 {
				slog.Debug("loaded env files", "files", loaded)
			}
			return nil
		},
	}
	rc.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "env files to read before configuration (default .env)")

	rc.AddCommand(
		newLoadCommand(a),
		newPreviewCommand(a),
		newSeedCommand(a),
		newHistoryCommand(a),
		newRollbackCommand(a),
		newRollupCommand(a),
		newReconcileCommand(a),
		newUnknownsCommand(a),
		newExportCommand(a),
		newImportCommand(a),
		newCompareCommand(a),
		newVerifyCommand(a),
		newServeCommand(a),
	)
	return rc
}

// loadConfig loads and validates configuration once.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logging.New(a.stderr, cfg.Logging.Level, cfg.Logging.Format))
	slog.Debug("configuration loaded", "config", cfg.String())
	a.cfg = cfg
	return cfg, nil
}

// service opens the store and builds the load service.
func (a *app) service(ctx context.Context) (*core.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, store.Config{
		Driver:          store.Dialect(cfg.Database.Driver),
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.db = db

	mungers, err := munger.LoadCatalog(cfg.Paths.MungerDir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("munger directory not found", "dir", cfg.Paths.MungerDir)
		mungers, err = munger.NewCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	jurisdictions, err := canon.LoadJurisdictions(cfg.Paths.JurisdictionDir, canon.NewStateTable())
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("jurisdiction directory not found", "dir", cfg.Paths.JurisdictionDir)
		jurisdictions, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	fetcher := &source.Router{Local: &source.Local{MaxBytes: cfg.Load.MaxFileSize, Root: a.dataRoot}}
	if cfg.S3.Enabled {
		s3src, err := source.NewS3(ctx, source.S3Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
			MaxBytes:  cfg.Load.MaxFileSize,
		})
		if err != nil {
			return nil, err
		}
		fetcher.S3 = s3src
	}

	svc, err := core.NewService(ctx, db, mungers, jurisdictions, fetcher, core.Options{
		MaxFileSize: cfg.Load.MaxFileSize,
		BatchSize:   cfg.Load.BatchSize,
		Concurrency: cfg.Load.Concurrency,
		Timeout:     cfg.Load.Timeout,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("service ready",
		"driver", cfg.Database.Driver,
		"mungers", len(svc.Mungers()),
		"jurisdictions", len(svc.Jurisdictions()))
	a.svc = svc
	return svc, nil
}

// close releases the store, if one was opened.
func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
		a.svc = nil
	}
}

// printJSON writes v indented to stdout.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
