// Package storage keeps the run history: one record per finished job run.
//
// Drivers:
//   - "file": JSON Lines file guarded by an advisory lock so only one
//     process appends to it.
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go) in WAL mode.
//
// Job state itself is never persisted; the history is an audit trail.
package storage
