// Package storetest opens migrated stores for tests.
package storetest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/cdf/internal/store"
)

// PostgresURLEnv names the variable holding a Postgres URL for integration tests.
const PostgresURLEnv = "CDF_TEST_DATABASE_URL"

// NewSQLite returns a migrated SQLite store in a temporary directory.
func NewSQLite(t testing.TB) store.DB {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{
		Driver: store.SQLite,
		URL:    filepath.Join(t.TempDir(), "cdf.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

// NewPostgres returns a migrated store in a fresh schema of the database
// named by CDF_TEST_DATABASE_URL, skipping the test when it is unset.
func NewPostgres(t testing.TB) store.DB {
	t.Helper()
	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}
	ctx := context.Background()

	schema := "cdf_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+store.QuoteIdent(schema)); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		admin.Close()
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		admin.Close()
		t.Fatalf("connect with schema: %v", err)
	}

	db := store.NewPostgres(pool)
	if err := store.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+store.QuoteIdent(schema)+" CASCADE")
		admin.Close()
	})
	return db
}

// Backends lists the stores available to the current test run.
func Backends() map[string]func(testing.TB) store.DB {
	b := map[string]func(testing.TB) store.DB{"sqlite": NewSQLite}
	if os.Getenv(PostgresURLEnv) != "" {
		b["postgres"] = NewPostgres
	}
	return b
}
