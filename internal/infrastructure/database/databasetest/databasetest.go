// Package databasetest opens throwaway databases carrying the full portal
// schema for repository and service tests.
package databasetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	_ "github.com/nerrad567/iothub-portal/migrations" // registers the embedded schema
)

// Open returns a migrated database in t.TempDir, closed on test cleanup.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "portal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // test cleanup
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}
