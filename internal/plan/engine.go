// ABOUTME: Plan engine owning the plan table, state transitions and execution orchestration.
// ABOUTME: CAS-guarded transitions, bounded concurrent execution, cooperative cancellation.

package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-orchestrator/internal/execlog"
	"github.com/2389/coven-orchestrator/internal/progress"
	"github.com/2389/coven-orchestrator/internal/registry"
)

// ErrClosed indicates the engine has been shut down.
var ErrClosed = errors.New("plan engine closed")

// Options tunes the engine.
type Options struct {
	// MaxConcurrent bounds the number of plan executions running at
	// once. Zero or negative means the default of 4.
	MaxConcurrent int
	// StepTimeout bounds each step when the agent config does not set
	// its own tool timeout. Zero means no timeout.
	StepTimeout time.Duration
	// Decomposer overrides the default deterministic query decomposer.
	Decomposer Decomposer
}

// planState is the engine-private record for one plan. The plan value
// is mutated only under the engine lock; cfg is the agent configuration
// snapshot bound at confirmation time.
type planState struct {
	plan      *Plan
	cfg       registry.AgentConfig
	cancel    context.CancelFunc
	execution *Execution
}

// Engine owns the plan state machine: creation, confirmation, execution
// orchestration, cancellation and querying.
type Engine struct {
	registry   *registry.Registry
	logs       execlog.Store
	pipeline   *progress.Pipeline
	runner     StepRunner
	decomposer Decomposer
	logger     *slog.Logger

	mu     sync.RWMutex
	plans  map[string]*planState
	order  []string
	closed bool

	sem         *semaphore.Weighted
	stepTimeout time.Duration
	wg          sync.WaitGroup
	baseCtx     context.Context
	baseCancel  context.CancelFunc
}

// NewEngine creates a plan engine. logs, pipeline and runner are
// required collaborators; pass nil logger for default.
func NewEngine(reg *registry.Registry, logs execlog.Store, pipeline *progress.Pipeline, runner StepRunner, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	decomposer := opts.Decomposer
	if decomposer == nil {
		decomposer = queryDecomposer{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		registry:    reg,
		logs:        logs,
		pipeline:    pipeline,
		runner:      runner,
		decomposer:  decomposer,
		logger:      logger.With("component", "plan-engine"),
		plans:       make(map[string]*planState),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		stepTimeout: opts.StepTimeout,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
}

// CreatePlan validates the target agent, decomposes the query into an
// ordered step sequence and stores the plan in Draft. The plan becomes
// visible in ActivePlans immediately.
func (e *Engine) CreatePlan(ctx context.Context, userQuery, sessionID, agentID string) (*Plan, error) {
	cfg, err := e.registry.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	strategy, steps, err := e.decomposer.Decompose(userQuery, cfg)
	if err != nil {
		if errors.Is(err, ErrDecomposition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecomposition, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: decomposer produced no steps", ErrDecomposition)
	}

	now := time.Now().UTC()
	p := &Plan{
		ID:        uuid.New().String(),
		UserQuery: userQuery,
		SessionID: sessionID,
		AgentID:   agentID,
		Strategy:  strategy,
		Steps:     steps,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.plans[p.ID] = &planState{plan: p, cfg: cfg}
	e.order = append(e.order, p.ID)
	snapshot := p.clone()
	e.mu.Unlock()

	e.logger.Info("plan created",
		"plan_id", p.ID,
		"agent_id", agentID,
		"session_id", sessionID,
		"steps", len(steps))

	e.pipeline.Send(progress.EventPlanCreated, p.ID, sessionID, map[string]any{
		"agent_id":    agentID,
		"total_steps": len(steps),
	})
	return snapshot, nil
}

// ConfirmPlan transitions Draft→Confirmed and binds the agent
// configuration in effect right now to the plan, so later registry
// updates cannot change the semantics of the execution. Confirming an
// already-Confirmed plan is an idempotent no-op returning the current
// plan; any other state is ErrInvalidState.
func (e *Engine) ConfirmPlan(ctx context.Context, planID string) (*Plan, error) {
	e.mu.Lock()
	ps, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}

	if ps.plan.Status == StatusConfirmed {
		snapshot := ps.plan.clone()
		e.mu.Unlock()
		return snapshot, nil
	}
	if !canTransition(ps.plan.Status, StatusConfirmed) {
		status := ps.plan.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot confirm plan in state %q", ErrInvalidState, status)
	}

	// Refresh the config snapshot; if the agent was removed since
	// creation the creation-time snapshot stays bound.
	if cfg, err := e.registry.Get(ps.plan.AgentID); err == nil {
		ps.cfg = cfg
	}

	ps.plan.Status = StatusConfirmed
	ps.plan.UpdatedAt = time.Now().UTC()
	snapshot := ps.plan.clone()
	sessionID := ps.plan.SessionID
	e.mu.Unlock()

	e.logger.Info("plan confirmed", "plan_id", planID)
	e.pipeline.Send(progress.EventPlanConfirmed, planID, sessionID, nil)
	return snapshot, nil
}

// ExecutePlan transitions Confirmed→Executing and spawns the execution.
// The transition is CAS-guarded under the table lock: of any number of
// concurrent calls exactly one succeeds, the rest get
// ErrAlreadyExecuting (when the winner got there first) or
// ErrInvalidState (when the plan was never confirmed).
func (e *Engine) ExecutePlan(ctx context.Context, planID string, execCtx ExecContext) (*Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	ps, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	if ps.plan.Status == StatusExecuting {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, planID)
	}
	if !canTransition(ps.plan.Status, StatusExecuting) {
		status := ps.plan.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot execute plan in state %q", ErrInvalidState, status)
	}

	ps.plan.Status = StatusExecuting
	ps.plan.UpdatedAt = time.Now().UTC()

	runCtx, cancel := context.WithCancel(e.baseCtx)
	exec := &Execution{
		ID:     uuid.New().String(),
		PlanID: planID,
		done:   make(chan struct{}),
	}
	ps.cancel = cancel
	ps.execution = exec
	cfg := ps.cfg
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("execution started",
		"plan_id", planID,
		"execution_id", exec.ID)

	go e.runExecution(runCtx, ps, exec, execCtx, cfg)
	return exec, nil
}

// CancelExecution requests cancellation. Draft and Confirmed plans are
// cancelled immediately (execution never started, so no log entry is
// created); an Executing plan is signalled cooperatively and settles
// into Cancelled once the running task reaches the next step boundary.
func (e *Engine) CancelExecution(ctx context.Context, planID string) error {
	e.mu.Lock()
	ps, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}

	switch {
	case ps.plan.Status.IsTerminal():
		status := ps.plan.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: plan is %q", ErrAlreadyTerminal, status)

	case ps.plan.Status == StatusExecuting:
		cancel := ps.cancel
		e.mu.Unlock()
		e.logger.Info("cancellation requested", "plan_id", planID)
		if cancel != nil {
			cancel()
		}
		return nil

	default: // Draft or Confirmed: discard without execution
		ps.plan.Status = StatusCancelled
		ps.plan.CancelReason = "cancelled before execution"
		ps.plan.UpdatedAt = time.Now().UTC()
		sessionID := ps.plan.SessionID
		e.mu.Unlock()

		e.logger.Info("plan cancelled before execution", "plan_id", planID)
		e.pipeline.Send(progress.EventExecutionCancelled, planID, sessionID, map[string]any{
			"before_execution": true,
		})
		e.pipeline.ReleasePlan(planID)
		return nil
	}
}

// GetPlan returns a read-only snapshot of the plan.
func (e *Engine) GetPlan(planID string) (*Plan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ps, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	return ps.plan.clone(), nil
}

// ActivePlans returns all plans not in a terminal state, in creation order.
func (e *Engine) ActivePlans() []*Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Plan, 0, len(e.order))
	for _, id := range e.order {
		ps, ok := e.plans[id]
		if !ok || ps.plan.Status.IsTerminal() {
			continue
		}
		out = append(out, ps.plan.clone())
	}
	return out
}

// Close drains the engine: new plans and executions are rejected,
// in-flight executions are cancelled cooperatively and waited for so
// every log entry is sealed before Close returns. The context bounds
// the wait.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancels := make([]context.CancelFunc, 0, len(e.plans))
	for _, ps := range e.plans {
		if ps.plan.Status == StatusExecuting && ps.cancel != nil {
			cancels = append(cancels, ps.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.baseCancel()
		e.logger.Info("plan engine drained")
		return nil
	case <-ctx.Done():
		e.baseCancel()
		return fmt.Errorf("draining plan engine: %w", ctx.Err())
	}
}
