// ABOUTME: Plan and step data types plus the plan status state machine.
// ABOUTME: Status transitions are validated against the allowed path; no backward moves.

package plan

import (
	"errors"
	"time"
)

// ErrNotFound indicates the requested plan does not exist.
var ErrNotFound = errors.New("plan not found")

// ErrUnknownAgent indicates the target agent is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrDecomposition indicates no executable steps could be produced
// from the user query.
var ErrDecomposition = errors.New("query decomposition failed")

// ErrInvalidState indicates the operation is not valid for the plan's
// current position in the state machine.
var ErrInvalidState = errors.New("invalid plan state")

// ErrAlreadyExecuting indicates an execution has already been started
// for the plan. This is a concurrency-guard rejection, not a failure.
var ErrAlreadyExecuting = errors.New("plan already executing")

// ErrAlreadyTerminal indicates the plan already reached a terminal
// state and cannot be cancelled.
var ErrAlreadyTerminal = errors.New("plan already in terminal state")

// Status is a plan's position in the lifecycle state machine:
//
//	Draft → Confirmed → Executing → {Completed, Failed, Cancelled}
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status ends the plan's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanExecute reports whether an execution may start from this status.
func (s Status) CanExecute() bool {
	return s == StatusConfirmed
}

// canTransition reports whether from→to is a legal move on the state
// machine path. Cancellation is legal from any non-terminal state.
func canTransition(from, to Status) bool {
	switch to {
	case StatusConfirmed:
		return from == StatusDraft
	case StatusExecuting:
		return from == StatusConfirmed
	case StatusCompleted, StatusFailed:
		return from == StatusExecuting
	case StatusCancelled:
		return !from.IsTerminal()
	default:
		return false
	}
}

// StepStatus tracks an individual step within a plan.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one unit of agent-executable work within a plan.
type Step struct {
	ID          string
	Description string
	ToolID      string
	Params      map[string]any
	Status      StepStatus
	Order       int
	Result      map[string]any
	ErrMessage  string
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// Plan is a decomposed, ordered set of steps derived from a user query.
// Plans are owned exclusively by the Engine; values returned from the
// engine are snapshots and mutating them has no effect.
type Plan struct {
	ID           string
	UserQuery    string
	SessionID    string
	AgentID      string
	Strategy     string
	Steps        []Step
	Status       Status
	EstimatedDur time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CancelReason string
}

// clone returns a deep copy safe to hand outside the engine.
func (p *Plan) clone() *Plan {
	out := *p
	out.Steps = make([]Step, len(p.Steps))
	for i, step := range p.Steps {
		out.Steps[i] = step
		if step.Params != nil {
			params := make(map[string]any, len(step.Params))
			for k, v := range step.Params {
				params[k] = v
			}
			out.Steps[i].Params = params
		}
		if step.Result != nil {
			result := make(map[string]any, len(step.Result))
			for k, v := range step.Result {
				result[k] = v
			}
			out.Steps[i].Result = result
		}
	}
	return &out
}

// ExecContext carries the caller identity and metadata for one
// execution attempt.
type ExecContext struct {
	SessionID   string
	UserID      string
	WorkspaceID string
	Metadata    map[string]any
}

// Execution is the handle returned by ExecutePlan. Done is closed when
// the execution reaches a terminal state; Err and Result are readable
// after that.
type Execution struct {
	ID     string
	PlanID string

	done   chan struct{}
	err    error
	result map[string]any
}

// Done returns a channel closed when the execution terminates.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Err returns the execution error, if any. Only valid after Done.
func (e *Execution) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Result returns the execution result map. Only valid after Done.
func (e *Execution) Result() map[string]any {
	select {
	case <-e.done:
		return e.result
	default:
		return nil
	}
}
