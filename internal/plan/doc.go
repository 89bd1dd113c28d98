// ABOUTME: Package documentation for the plan engine.
// ABOUTME: Describes the plan lifecycle, ownership model and cancellation semantics.

// Package plan implements the task orchestration engine: decomposing a
// user query into an ordered step plan, driving it through a confirm
// gate, and executing the steps asynchronously with cooperative
// cancellation.
//
// # Lifecycle
//
// A plan moves through Draft -> Confirmed -> Executing and ends in one
// of Completed, Failed, or Cancelled. Terminal states are final;
// Cancelled is reachable from any non-terminal state. Transitions are
// applied compare-and-swap style under the engine lock, so concurrent
// ExecutePlan calls race safely and exactly one wins.
//
// # Ownership
//
// The engine owns all plan values. GetPlan and ActivePlans return deep
// snapshots; callers cannot mutate engine state through them. The agent
// configuration a plan executes with is snapshotted at confirmation
// time, so later registry changes never affect a running execution.
//
// # Cancellation
//
// Each execution holds a context cancelled by CancelExecution. The
// signal is observed at step boundaries only: a step already underway
// runs to completion (or its own timeout) before the execution stops.
// Steps that never ran are marked skipped and the execution log entry
// is sealed with a Cancelled outcome.
package plan
