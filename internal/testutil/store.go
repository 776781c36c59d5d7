package testutil

import (
	"path/filepath"
	"testing"

	"github.com/HerbHall/icmpreceiver/internal/store"
)

// NewStore opens an in-memory SQLiteStore closed at test cleanup.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	return openStore(t, ":memory:")
}

// NewFileStore opens a SQLiteStore in a temporary directory and returns it
// with its path, for tests that reopen or copy the file.
func NewFileStore(t testing.TB) (*store.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "icmpreceiver.db")
	return openStore(t, path), path
}

func openStore(t testing.TB, path string) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("testutil: open store %s: %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
