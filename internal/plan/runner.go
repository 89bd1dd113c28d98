// ABOUTME: StepRunner contract and the built-in runner for plan steps.
// ABOUTME: Optionally verifies external tool endpoints through a capability checker.

package plan

import (
	"context"
	"fmt"
)

// StepRunner executes a single plan step. The context carries the
// execution's cancellation signal and any per-step timeout; a runner
// must return promptly once the context is done unless the step has
// already committed to an irreversible external effect.
type StepRunner interface {
	Run(ctx context.Context, step Step, execCtx ExecContext) (map[string]any, error)
}

// RunnerFunc adapts a function to the StepRunner interface.
type RunnerFunc func(ctx context.Context, step Step, execCtx ExecContext) (map[string]any, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, step Step, execCtx ExecContext) (map[string]any, error) {
	return f(ctx, step, execCtx)
}

// CapabilityChecker is the subset of the capability probe the built-in
// runner needs for steps that target external tool endpoints.
type CapabilityChecker interface {
	CheckStreamableHTTP(ctx context.Context, url string, headers map[string]string) error
	CheckSSE(ctx context.Context, url string, headers map[string]string) error
}

// builtinRunner handles builtin.* tool steps directly and, when a
// checker is present, verifies the endpoint of mcp.* steps before
// reporting success.
type builtinRunner struct {
	checker CapabilityChecker
}

// NewBuiltinRunner returns the default step runner. checker may be nil,
// in which case external endpoint steps are not verified.
func NewBuiltinRunner(checker CapabilityChecker) StepRunner {
	return &builtinRunner{checker: checker}
}

func (r *builtinRunner) Run(ctx context.Context, step Step, execCtx ExecContext) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch step.ToolID {
	case "mcp.streamable_http", "mcp.sse":
		if r.checker == nil {
			break
		}
		url, _ := step.Params["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("step %s: missing url parameter", step.ID)
		}
		headers := stringMap(step.Params["headers"])
		var err error
		if step.ToolID == "mcp.sse" {
			err = r.checker.CheckSSE(ctx, url, headers)
		} else {
			err = r.checker.CheckStreamableHTTP(ctx, url, headers)
		}
		if err != nil {
			return nil, fmt.Errorf("verifying endpoint for step %s: %w", step.ID, err)
		}
	}

	return map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("step %q completed", step.Description),
	}, nil
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
