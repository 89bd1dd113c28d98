// Package execlog persists the auditable record of plan executions.
//
// # Overview
//
// Every execution attempt opens exactly one log entry at start and
// seals it when the plan reaches a terminal state. Sealed entries are
// immutable. Entries reference their plan by id value only, a weak
// reference, so the history survives plans being pruned from the
// engine's active table.
//
// # Store
//
// The SQLite-backed store supports:
//
//   - Create: open a new unsealed entry for an execution attempt
//   - AddStep / UpdateStep: step-level trace with parent counters
//   - Seal: record the terminal outcome; sealing twice is an error
//   - Search: filter by session, agent, user, workspace, outcome,
//     time range and free text over the user query, newest first
//   - GetDetails: entry plus ordered step traces
//   - Export: JSON, CSV or text artifact from matched entries
//   - Statistics: outcome counts, duration aggregates and throughput
//     over a time window; an empty window yields zeroed stats
//   - Delete / Cleanup: retention management
//
// # Errors
//
// Domain misses surface as ErrNotFound, ErrInvalidState or
// ErrEmptyResult; storage engine failures are wrapped in ErrUnavailable
// so callers can tell infrastructure failure from domain failure.
package execlog
