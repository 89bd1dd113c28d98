// ABOUTME: The asynchronous execution task that walks a plan's step sequence.
// ABOUTME: Fail-fast stepping, cancellation checks at step boundaries, log sealing.

package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-orchestrator/internal/execlog"
	"github.com/2389/coven-orchestrator/internal/progress"
	"github.com/2389/coven-orchestrator/internal/registry"
)

// runExecution walks the plan's steps in order. Each step's success
// determines whether the next runs (fail-fast); the cancellation signal
// is checked at every step boundary. Exactly one log entry is created
// at start and sealed at the terminal transition, using a context
// detached from the cancellation signal so sealing survives cancel.
func (e *Engine) runExecution(ctx context.Context, ps *planState, exec *Execution, execCtx ExecContext, cfg registry.AgentConfig) {
	defer e.wg.Done()

	logCtx := context.WithoutCancel(ctx)
	plan := ps.plan

	logSession := execCtx.SessionID
	if logSession == "" {
		logSession = plan.SessionID
	}
	logID, err := e.logs.Create(logCtx, execlog.CreateParams{
		SessionID:   logSession,
		UserQuery:   plan.UserQuery,
		PlanID:      plan.ID,
		AgentID:     plan.AgentID,
		UserID:      execCtx.UserID,
		WorkspaceID: execCtx.WorkspaceID,
	})
	if err != nil {
		e.logger.Error("creating execution log failed", "plan_id", plan.ID, "error", err)
		e.finishExecution(logCtx, ps, exec, "", StatusFailed, err, nil)
		return
	}

	e.mu.RLock()
	totalSteps := len(plan.Steps)
	sessionID := plan.SessionID
	e.mu.RUnlock()

	e.pipeline.Send(progress.EventExecutionStarted, plan.ID, sessionID, map[string]any{
		"execution_id": exec.ID,
		"total_steps":  totalSteps,
	})

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finishExecution(logCtx, ps, exec, logID, StatusCancelled, nil, nil)
		return
	}
	defer e.sem.Release(1)

	stepTimeout := e.stepTimeout
	if cfg.ToolTimeout > 0 {
		stepTimeout = cfg.ToolTimeout
	}

	executed := 0
	for i := 0; i < totalSteps; i++ {
		// Cancellation is cooperative: checked between steps, never
		// preempting a step already underway.
		if ctx.Err() != nil {
			e.finishExecution(logCtx, ps, exec, logID, StatusCancelled, nil, nil)
			return
		}

		e.mu.Lock()
		step := plan.Steps[i]
		now := time.Now().UTC()
		plan.Steps[i].Status = StepExecuting
		plan.Steps[i].StartedAt = &now
		plan.UpdatedAt = now
		e.mu.Unlock()

		stepID, err := e.logs.AddStep(logCtx, logID, execlog.StepTrace{
			Name:        fmt.Sprintf("step-%d", step.Order),
			Description: step.Description,
			ToolID:      step.ToolID,
			Input:       step.Params,
			Status:      execlog.StepExecuting,
			Order:       step.Order,
			StartTime:   &now,
		})
		if err != nil {
			e.logger.Warn("recording step trace failed", "plan_id", plan.ID, "error", err)
		}

		e.pipeline.Send(progress.EventStepStarted, plan.ID, sessionID, map[string]any{
			"execution_id": exec.ID,
			"step":         i + 1,
			"total_steps":  totalSteps,
			"description":  step.Description,
		})

		stepCtx := ctx
		var cancelStep context.CancelFunc
		if stepTimeout > 0 {
			stepCtx, cancelStep = context.WithTimeout(ctx, stepTimeout)
		}
		result, runErr := e.runner.Run(stepCtx, step, execCtx)
		if cancelStep != nil {
			cancelStep()
		}

		if runErr != nil {
			if ctx.Err() != nil {
				// The step was aborted by cancellation, not a failure of
				// its own; it is recorded as skipped.
				e.updateStepState(plan, i, StepSkipped, nil, "execution cancelled")
				e.updateStepTrace(logCtx, stepID, execlog.StepSkipped, nil, "execution cancelled")
				e.finishExecution(logCtx, ps, exec, logID, StatusCancelled, nil, nil)
				return
			}

			e.updateStepState(plan, i, StepFailed, nil, runErr.Error())
			e.updateStepTrace(logCtx, stepID, execlog.StepFailed, nil, runErr.Error())
			e.pipeline.Send(progress.EventStepFailed, plan.ID, sessionID, map[string]any{
				"execution_id": exec.ID,
				"step":         i + 1,
				"error":        runErr.Error(),
			})

			failErr := fmt.Errorf("step %d (%s) failed: %w", i+1, step.Description, runErr)
			e.finishExecution(logCtx, ps, exec, logID, StatusFailed, failErr, nil)
			return
		}

		executed++
		e.updateStepState(plan, i, StepCompleted, result, "")
		e.updateStepTrace(logCtx, stepID, execlog.StepCompleted, result, "")
		e.pipeline.Send(progress.EventStepCompleted, plan.ID, sessionID, map[string]any{
			"execution_id": exec.ID,
			"step":         i + 1,
			"total_steps":  totalSteps,
		})
	}

	e.finishExecution(logCtx, ps, exec, logID, StatusCompleted, nil, map[string]any{
		"executed_steps": executed,
		"total_steps":    totalSteps,
	})
}

// updateStepState mutates one step under the engine lock.
func (e *Engine) updateStepState(plan *Plan, i int, status StepStatus, result map[string]any, errMsg string) {
	e.mu.Lock()
	now := time.Now().UTC()
	plan.Steps[i].Status = status
	plan.Steps[i].Result = result
	plan.Steps[i].ErrMessage = errMsg
	plan.Steps[i].EndedAt = &now
	plan.UpdatedAt = now
	e.mu.Unlock()
}

// updateStepTrace records a step's terminal status in the log store.
// Trace failures are logged, never fatal to the execution.
func (e *Engine) updateStepTrace(ctx context.Context, stepID string, status execlog.StepStatus, output map[string]any, errMsg string) {
	if stepID == "" {
		return
	}
	if err := e.logs.UpdateStep(ctx, stepID, status, output, errMsg); err != nil {
		e.logger.Warn("updating step trace failed", "step_id", stepID, "error", err)
	}
}

// finishExecution applies the terminal transition, seals the log entry
// and completes the execution handle. Steps still pending are marked
// skipped so the plan snapshot reflects what actually ran.
func (e *Engine) finishExecution(ctx context.Context, ps *planState, exec *Execution, logID string, status Status, execErr error, result map[string]any) {
	e.mu.Lock()
	plan := ps.plan
	now := time.Now().UTC()
	if canTransition(plan.Status, status) {
		plan.Status = status
	}
	plan.UpdatedAt = now
	if status == StatusCancelled {
		plan.CancelReason = "cancelled by request"
	}
	for i := range plan.Steps {
		if plan.Steps[i].Status == StepPending || plan.Steps[i].Status == StepExecuting {
			plan.Steps[i].Status = StepSkipped
		}
	}
	sessionID := plan.SessionID
	ps.cancel = nil
	e.mu.Unlock()

	if logID != "" {
		outcome := execlog.OutcomeCompleted
		errMsg := ""
		switch status {
		case StatusFailed:
			outcome = execlog.OutcomeFailed
			if execErr != nil {
				errMsg = execErr.Error()
			}
		case StatusCancelled:
			outcome = execlog.OutcomeCancelled
			errMsg = "execution cancelled"
		}
		if err := e.logs.Seal(ctx, logID, outcome, errMsg); err != nil {
			e.logger.Error("sealing execution log failed",
				"execution_id", logID,
				"outcome", outcome,
				"error", err)
		}
	}

	eventType := progress.EventExecutionCompleted
	payload := map[string]any{"execution_id": exec.ID}
	switch status {
	case StatusFailed:
		eventType = progress.EventExecutionFailed
		if execErr != nil {
			payload["error"] = execErr.Error()
		}
	case StatusCancelled:
		eventType = progress.EventExecutionCancelled
	}
	e.pipeline.Send(eventType, plan.ID, sessionID, payload)
	e.pipeline.ReleasePlan(plan.ID)

	e.logger.Info("execution finished",
		"plan_id", plan.ID,
		"execution_id", exec.ID,
		"status", status)

	exec.err = execErr
	exec.result = result
	close(exec.done)
}
