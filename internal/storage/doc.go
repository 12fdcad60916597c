// Package storage persists tasks and their audit trail.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   dependency-free snapshot + journal (JSON Lines)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// Every task write goes through task.Apply, so illegal transitions are
// rejected the same way regardless of driver.
package storage
