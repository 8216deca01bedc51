package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/store/storetest"
)

func TestMigrate_Idempotent(t *testing.T) {
	for name, open := range storetest.Backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			ctx := context.Background()
			if err := store.Migrate(ctx, db); err != nil {
				t.Fatalf("second Migrate() error = %v", err)
			}
			for _, td := range store.Tables() {
				var n int64
				if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM "+td.Name).Scan(&n); err != nil {
					t.Errorf("count %s: %v", td.Name, err)
				}
			}
		})
	}
}

func TestNextID_Monotonic(t *testing.T) {
	for name, open := range storetest.Backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			ctx := context.Background()

			var last int64
			for i := 0; i < 5; i++ {
				id, err := store.NextID(ctx, db)
				if err != nil {
					t.Fatalf("NextID() error = %v", err)
				}
				if id <= last {
					t.Errorf("NextID() = %d, want > %d", id, last)
				}
				last = id
			}
		})
	}
}

func TestNextID_Concurrent(t *testing.T) {
	db := storetest.NewSQLite(t)
	ctx := context.Background()

	const n = 20
	ids := make([]int64, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.NextID(ctx, db)
			if err != nil {
				errs <- err
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("NextID() error = %v", err)
	}

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("id %d handed out twice", id)
		}
		seen[id] = true
	}
}

func TestQueryRow_NoRows(t *testing.T) {
	db := storetest.NewSQLite(t)
	var id int64
	err := db.QueryRow(context.Background(), "SELECT id FROM party WHERE name = $1", "nobody").Scan(&id)
	if !errors.Is(err, store.ErrNoRows) {
		t.Errorf("Scan() error = %v, want ErrNoRows", err)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	db := storetest.NewSQLite(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, db, func(tx store.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO party (id, name) VALUES ($1, $2)", 1, "Green"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	var n int64
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM party").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("party rows = %d after rollback, want 0", n)
	}
}

func TestConflictTargetMismatch(t *testing.T) {
	db := storetest.NewSQLite(t)
	ctx := context.Background()

	_, err := db.Exec(ctx,
		"INSERT INTO candidate_selection (id, candidate_id, party_id) VALUES ($1, $2, $3) ON CONFLICT (candidate_id) DO NOTHING",
		1, 2, 3)
	if err == nil {
		t.Fatal("expected error for ON CONFLICT target without a unique constraint")
	}
	if !store.IsConflictTargetMismatch(err) {
		t.Errorf("IsConflictTargetMismatch(%v) = false, want true", err)
	}
}

func TestUniqueViolation(t *testing.T) {
	db := storetest.NewSQLite(t)
	ctx := context.Background()

	if _, err := db.Exec(ctx, "INSERT INTO party (id, name) VALUES ($1, $2)", 1, "Green"); err != nil {
		t.Fatal(err)
	}
	_, err := db.Exec(ctx, "INSERT INTO party (id, name) VALUES ($1, $2)", 2, "Green")
	if !store.IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false, want true", err)
	}
}

func TestTableDef_IsNaturalKey(t *testing.T) {
	tests := []struct {
		table string
		cols  []string
		want  bool
	}{
		{store.TableReportingUnit, []string{"name"}, true},
		{store.TableReportingUnit, []string{"name", "parent_id"}, false},
		{store.TableCandidateSelection, []string{"party_id", "candidate_id"}, true},
		{store.TableCandidateSelection, []string{"candidate_id"}, false},
		{store.TableDataFile, []string{"file_hash", "election_id", "jurisdiction_id", "munger"}, true},
	}
	for _, tt := range tests {
		td, ok := store.LookupTable(tt.table)
		if !ok {
			t.Fatalf("LookupTable(%q) not found", tt.table)
		}
		if got := td.IsNaturalKey(tt.cols); got != tt.want {
			t.Errorf("%s.IsNaturalKey(%v) = %v, want %v", tt.table, tt.cols, got, tt.want)
		}
	}
}
