// Package database provides SQLite connectivity for the portal's local
// mirror of IoT Hub state.
//
// This package manages:
//   - The connection (WAL mode, busy timeout, foreign keys, one writer)
//   - Embedded, versioned schema migrations
//   - Transaction helpers for repository units of work
//   - Shared column helpers (timestamps, nullable values, constraint errors)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
