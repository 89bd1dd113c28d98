// ABOUTME: Store interface and data types for execution log persistence.
// ABOUTME: Defines Entry, StepTrace, search criteria, export options and statistics.

package execlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested execution log entry does not exist.
var ErrNotFound = errors.New("execution log not found")

// ErrInvalidState is returned when an operation is not valid for the
// entry's current state, e.g. sealing an already-sealed entry.
var ErrInvalidState = errors.New("invalid execution log state")

// ErrEmptyResult is returned by Export when no entries match and the
// options require at least one.
var ErrEmptyResult = errors.New("no execution logs matched")

// ErrUnavailable wraps infrastructure failures (storage engine errors)
// to distinguish them from domain errors like ErrNotFound.
var ErrUnavailable = errors.New("execution log store unavailable")

// Outcome is the recorded status of an execution attempt.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// IsTerminal reports whether the outcome seals the entry.
func (o Outcome) IsTerminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the recorded status of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Entry is one execution attempt. PlanID is a weak reference: it is the
// id value only, and entries outlive the plan objects they point at.
// Once EndTime is set the entry is sealed and never mutated again.
type Entry struct {
	ID             string
	SessionID      string
	UserQuery      string
	PlanID         string
	AgentID        string
	UserID         string
	WorkspaceID    string
	StartTime      time.Time
	EndTime        *time.Time
	Outcome        Outcome
	ErrorMessage   string
	TotalSteps     int
	CompletedSteps int
	FailedSteps    int
	SkippedSteps   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Sealed reports whether the entry reached a terminal outcome.
func (e *Entry) Sealed() bool {
	return e.EndTime != nil
}

// Duration returns the wall time of the execution, or zero if unsealed.
func (e *Entry) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// StepTrace is the recorded trace of a single step execution.
type StepTrace struct {
	ID           string
	ExecutionID  string
	Name         string
	Description  string
	ToolID       string
	Input        map[string]any
	Output       map[string]any
	Status       StepStatus
	Order        int
	StartTime    *time.Time
	EndTime      *time.Time
	ErrorMessage string
}

// Details is an entry together with its ordered step traces.
type Details struct {
	Entry Entry
	Steps []StepTrace
}

// CreateParams identifies a new execution attempt.
type CreateParams struct {
	SessionID   string
	UserQuery   string
	PlanID      string
	AgentID     string
	UserID      string
	WorkspaceID string
}

// SearchCriteria filters execution log searches. Nil/zero fields match
// everything. Keyword is a free-text substring match over UserQuery.
type SearchCriteria struct {
	SessionID   string
	AgentID     string
	UserID      string
	WorkspaceID string
	Outcome     Outcome
	Since       *time.Time
	Until       *time.Time
	Keyword     string
	Limit       int
	Offset      int
}

// ExportFormat selects the materialized form of an export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatText ExportFormat = "text"
)

// Extension returns the conventional file extension for the format.
func (f ExportFormat) Extension() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatText:
		return "txt"
	default:
		return "json"
	}
}

// MIMEType returns the media type for the format.
func (f ExportFormat) MIMEType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain"
	default:
		return "application/json"
	}
}

// ExportOptions controls Export output.
type ExportOptions struct {
	Format       ExportFormat
	IncludeSteps bool
	MaxRecords   int
	// RequireRows makes Export fail with ErrEmptyResult when nothing matches.
	RequireRows bool
}

// Artifact is a materialized export.
type Artifact struct {
	Format     ExportFormat
	MIMEType   string
	Data       []byte
	Records    int
	ExportedAt time.Time
}

// Stats aggregates executions over a time window.
type Stats struct {
	Total          int64
	Completed      int64
	Failed         int64
	Cancelled      int64
	AvgDuration    time.Duration
	MinDuration    time.Duration
	MaxDuration    time.Duration
	PerHour        float64
	WindowStart    time.Time
	WindowEnd      time.Time
}

// Store defines execution log persistence.
type Store interface {
	Create(ctx context.Context, params CreateParams) (string, error)
	AddStep(ctx context.Context, executionID string, step StepTrace) (string, error)
	UpdateStep(ctx context.Context, stepID string, status StepStatus, output map[string]any, errMessage string) error
	Seal(ctx context.Context, executionID string, outcome Outcome, errMessage string) error
	Search(ctx context.Context, criteria SearchCriteria) ([]Entry, error)
	GetDetails(ctx context.Context, executionID string) (*Details, error)
	Export(ctx context.Context, criteria SearchCriteria, options ExportOptions) (*Artifact, error)
	Statistics(ctx context.Context, start, end time.Time, workspaceID string) (Stats, error)
	Delete(ctx context.Context, executionID string) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}
