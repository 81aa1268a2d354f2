// Package storage is the durable key/value layer behind Permanent memory.
//
// Drivers:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file":   snapshot + append-only journal, compacted periodically
//   - "sqlite": single-table SQLite database (modernc.org/sqlite, no cgo)
package storage
