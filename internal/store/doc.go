// Package store provides SQLite-backed storage for harness runs.
//
// Every run is stored with its outcome and the full event history of its
// log:
//   - runs: one row per driver run (scenario, pass, failure code, trace digest)
//   - events: one row per appended event, consumed and forbidden flags included
//
// # Rules
//
//   - Events are ordered by their log seq, never by wall time.
//   - Args are stored as canonical JSON so that stored rows are byte-stable.
//   - Each event row carries its content digest (ir.EventDigest); Verify
//     recomputes it to detect rows edited after the fact.
//   - Writes are idempotent: rewriting a run with the same id is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: 5-second wait for lock contention
//   - foreign_keys=ON: Enforce referential integrity
package store
