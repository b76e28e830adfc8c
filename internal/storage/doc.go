// Package storage persists delivery cursors.
//
// A cursor is the last alert id confirmed delivered for one
// (subscriber, alert kind) pair. Cursors only move forward: every backend
// applies the caller's ordering inside its own atomic section (SQL
// transaction, bolt update, redis WATCH/MULTI, or the file store mutex) and
// ignores values that are not newer.
//
// Backends:
//   - sqlite: single-file database (default)
//   - file:   snapshot + append-only journal, no database dependency
//   - redis:  shared cursors for several replicas watching the same store
//   - bolt:   embedded bbolt key/value file
//
// Each backend also keeps a delivery journal (one record per dispatch
// outcome) for auditing.
package storage
