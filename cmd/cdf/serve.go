package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cdf/internal/web"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the results API over HTTP",
		Long: `
Serves the query API on SERVER_HOST:SERVER_PORT (127.0.0.1:8080 by default).
POST /api/load reads local raw files only from CDF_DATA_DIR; relative
sources resolve against it. Set REQUIRE_API_KEY and API_KEYS to require an
X-API-Key header on load and rollback.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			a.dataRoot = cfg.Paths.DataDir
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			if !cfg.Security.RequireAPIKey && !isLoopback(cfg.Server.Host) {
				slog.Warn("serving on a non-loopback address without API keys",
					"host", cfg.Server.Host)
			}
			slog.Info("raw files confined", "data_dir", cfg.Paths.DataDir)
			srv := web.NewServer(svc, cfg)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slog.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			slog.Info("server stopped")
			return nil
		},
	}
}

// isLoopback reports whether host only accepts local connections.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
