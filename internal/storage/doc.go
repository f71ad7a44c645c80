// Package storage persists the audit log of scheduler actions.
//
// Two drivers are available:
//   - "file": append-only JSON Lines next to the configured path
//   - "sqlite": a SQLite database (build with -tags sqlite)
package storage
