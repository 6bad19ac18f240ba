// Package store provides the SQLite-backed change ledger.
//
// The store holds:
//   - Changes: durable change records, one row per client idempotency key
//   - Scope revisions: the per-scope server_rev counters
//   - Tasks: the deduplicated work queue shared by every worker process
//   - Workers: heartbeats used to detect tasks whose worker died
//
// # Invariants
//
// Revision allocation is a counter upsert in the same immediate transaction
// as the change insert, backed by UNIQUE(scope_key, server_rev). Readers never
// observe a revision that has no record.
//
// A change leaves the pending state exactly once. ApplyChange and MarkErrored
// re-check the state inside their transaction and do nothing if the change is
// already resolved.
//
// Every resolution takes the next value of a global counter (resolved_seq),
// which forms a feed other processes can tail.
//
// All list queries have a deterministic ORDER BY.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//   - _txlock=immediate: write lock taken at BEGIN
package store
