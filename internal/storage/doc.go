// Package storage persists engine events.
//
// Drivers:
//   - "file": JSON Lines appended to a single file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
package storage
