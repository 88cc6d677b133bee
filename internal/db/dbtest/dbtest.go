// Package dbtest opens throwaway SQLite backends for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/arkilian/lens/internal/db"
)

// Open returns a DB backed by a fresh SQLite file in t.TempDir.
func Open(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Open("sqlite", filepath.Join(t.TempDir(), "lens.db"), db.Options{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}
