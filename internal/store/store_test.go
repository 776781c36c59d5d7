package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTable(name string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE " + name + " (id INTEGER PRIMARY KEY)")
		return err
	}
}

func TestMigrate_AppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	migrations := []Migration{
		{Version: 1, Description: "create a", Up: createTable("a")},
		{Version: 2, Description: "create b", Up: createTable("b")},
	}

	if err := s.Migrate(ctx, "test", migrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Re-running must skip applied versions; CREATE TABLE would fail otherwise.
	if err := s.Migrate(ctx, "test", migrations); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	v, err := s.AppliedVersion(ctx, "test")
	if err != nil {
		t.Fatalf("AppliedVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("AppliedVersion = %d, want 2", v)
	}
}

func TestMigrate_ComponentsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Migrate(ctx, "one", []Migration{{Version: 1, Description: "a", Up: createTable("a")}}); err != nil {
		t.Fatalf("Migrate one: %v", err)
	}
	if err := s.Migrate(ctx, "two", []Migration{{Version: 1, Description: "b", Up: createTable("b")}}); err != nil {
		t.Fatalf("Migrate two: %v", err)
	}
	if v, _ := s.AppliedVersion(ctx, "three"); v != 0 {
		t.Errorf("AppliedVersion(three) = %d, want 0", v)
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Migrate(ctx, "test", []Migration{{
		Version:     1,
		Description: "half applied",
		Up: func(tx *sql.Tx) error {
			if err := createTable("partial")(tx); err != nil {
				return err
			}
			return boom
		},
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("Migrate error = %v, want boom", err)
	}

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'partial'").Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 0 {
		t.Error("table from failed migration was not rolled back")
	}
	if v, _ := s.AppliedVersion(ctx, "test"); v != 0 {
		t.Errorf("AppliedVersion = %d, want 0", v)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
