// Package storage persists subscribers, the historical gift table and daily
// statistics.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file": JSON snapshot plus append-only journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx
package storage
