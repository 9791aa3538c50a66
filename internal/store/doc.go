// Package store provides a SQLite-backed journal of cascade flows.
//
// The store is an append-only log with:
//   - records: one row per action record, written pending and completed once
//   - firings: one row per consumed fact combination, unique by
//     ir.CombinationKey
//   - firing_records: the records each firing consumed, in pattern order
//
// The store implements engine.Journal. It observes the engine; the in-memory
// action log stays the source of truth for matching.
//
// # Ordering
//
// Every read orders by seq ASC, id ASC COLLATE BINARY, so traces read back
// identically regardless of insertion timing.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
