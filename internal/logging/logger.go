// Package logging builds the slog loggers shared by the cdf CLI and the
// HTTP server.
//
// Commands log to stderr so stdout stays clean for JSON and TSV output.
// Inside the server, loads and rollups started from a request inherit the
// chi request ID, so one grep follows an upload from the HTTP line through
// every row-level warning the loader emits.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// LookupLevel resolves a LOG_LEVEL value, ignoring case.
func LookupLevel(name string) (slog.Level, bool) {
	l, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	return l, ok
}

// ValidFormat reports whether format is a LOG_FORMAT New understands.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatText, FormatJSON:
		return true
	}
	return false
}

// New returns a logger writing to w. An unknown level logs at info and an
// unknown format falls back to text; config validation reports both before
// a server starts.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl, ok := LookupLevel(level)
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FromContext returns the default logger, tagged with request_id when ctx
// passed through chi's RequestID middleware. CLI loads carry no ID.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := middleware.GetReqID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}

// WithFields tags the context logger for a multi-step operation:
//
//	log := logging.WithFields(ctx, "load_id", res.LoadID, "file", req.Source)
//	log.Info("load started")
//	log.Warn("row excluded", "line", rec.Line, "element", "ReportingUnit")
//	log.Info("load finished", "vote_counts", n)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
