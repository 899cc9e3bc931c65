// Package storage persists scheduler state across restarts.
//
// It stores:
//   - a snapshot of pending task metadata (never the executable body)
//   - an append-only run history (one record per finished execution)
//
// Persistence is best-effort: callers log failures and keep running.
package storage
