// ABOUTME: Decomposer contract and the default deterministic query decomposer.
// ABOUTME: Produces the ordered step sequence a draft plan is built from.

package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-orchestrator/internal/registry"
)

// Decomposer turns a user query into an ordered step sequence.
// Implementations must be deterministic for the same query and agent
// configuration, and must return ErrDecomposition (wrapped or bare)
// when no steps can be produced.
type Decomposer interface {
	Decompose(userQuery string, cfg registry.AgentConfig) (strategy string, steps []Step, err error)
}

// DecomposerFunc adapts a function to the Decomposer interface.
type DecomposerFunc func(userQuery string, cfg registry.AgentConfig) (string, []Step, error)

// Decompose calls f.
func (f DecomposerFunc) Decompose(userQuery string, cfg registry.AgentConfig) (string, []Step, error) {
	return f(userQuery, cfg)
}

// queryDecomposer is the default strategy: an analyze step followed by
// an execute step derived from the query text. Step IDs are generated
// per call; everything else is a pure function of the inputs.
type queryDecomposer struct{}

func (queryDecomposer) Decompose(userQuery string, cfg registry.AgentConfig) (string, []Step, error) {
	query := strings.TrimSpace(userQuery)
	if query == "" {
		return "", nil, fmt.Errorf("%w: empty query", ErrDecomposition)
	}

	strategy := fmt.Sprintf("execute %q", query)
	if cfg.Name != "" {
		strategy = fmt.Sprintf("execute %q via agent %s", query, cfg.Name)
	}

	steps := []Step{
		{
			ID:          uuid.New().String(),
			Description: "analyze query: " + query,
			ToolID:      "builtin.analyze",
			Params:      map[string]any{"query": query},
			Status:      StepPending,
			Order:       1,
		},
		{
			ID:          uuid.New().String(),
			Description: "apply strategy: " + strategy,
			ToolID:      "builtin.execute",
			Params:      map[string]any{"strategy": strategy},
			Status:      StepPending,
			Order:       2,
		},
	}
	return strategy, steps, nil
}
