// Package storage persists subscriptions.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file":   JSON snapshot + JSONL journal, compacted periodically
//   - "sqlite": single SQLite file (modernc.org/sqlite, no cgo)
//   - "badger": embedded badger key-value directory
//
// All drivers implement subscription.Store and return its sentinel errors.
package storage
