// Package registry stores agent configurations for the orchestrator.
//
// # Overview
//
// The registry is the source of truth for which agents exist and how
// they are configured. The plan engine consults it when a plan is
// created (to reject unknown agents) and again at confirmation time,
// when it binds an immutable snapshot of the config to the plan so
// that later registry updates never change the semantics of an
// execution already underway.
//
// # Semantics
//
//   - Add upserts by agent ID; last write wins, no version history
//   - Get and List return deep copies, never live references
//   - Validation rejects missing identity fields, negative limits,
//     and tools listed as both allowed and denied
package registry
