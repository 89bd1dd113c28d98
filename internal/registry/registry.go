// ABOUTME: In-memory registry of agent configurations keyed by agent ID.
// ABOUTME: Upsert/get/list/remove with validation; reads return immutable copies.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound indicates the requested agent configuration does not exist.
var ErrNotFound = errors.New("agent config not found")

// ErrInvalidConfig indicates a configuration payload failed validation.
var ErrInvalidConfig = errors.New("invalid agent config")

// AgentConfig describes a configured executor identity. The plan engine
// binds a snapshot of this at confirmation time, so mutating the registry
// never affects an execution already underway.
type AgentConfig struct {
	ID                 string
	Name               string
	Description        string
	Personality        string
	SystemPrompt       string
	AllowedTools       []string
	DeniedTools        []string
	Capabilities       []string
	MaxConcurrentTools int
	ToolTimeout        time.Duration
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the config payload is well-formed.
func (c *AgentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.MaxConcurrentTools < 0 {
		return fmt.Errorf("%w: max_concurrent_tools must not be negative", ErrInvalidConfig)
	}
	if c.ToolTimeout < 0 {
		return fmt.Errorf("%w: tool_timeout must not be negative", ErrInvalidConfig)
	}
	denied := make(map[string]bool, len(c.DeniedTools))
	for _, tool := range c.DeniedTools {
		denied[tool] = true
	}
	for _, tool := range c.AllowedTools {
		if denied[tool] {
			return fmt.Errorf("%w: tool %q is both allowed and denied", ErrInvalidConfig, tool)
		}
	}
	return nil
}

// clone returns a deep copy so callers can never mutate registry state.
func (c AgentConfig) clone() AgentConfig {
	out := c
	out.AllowedTools = append([]string(nil), c.AllowedTools...)
	out.DeniedTools = append([]string(nil), c.DeniedTools...)
	out.Capabilities = append([]string(nil), c.Capabilities...)
	return out
}

// Registry stores agent configurations. Concurrent updates are
// last-write-wins by arrival order; there is no versioning beyond latest.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]AgentConfig
	logger  *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		configs: make(map[string]AgentConfig),
		logger:  logger.With("component", "registry"),
	}
}

// Add upserts a configuration by agent ID.
// Returns ErrInvalidConfig if the payload fails validation.
func (r *Registry) Add(cfg AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	r.mu.Lock()
	if existing, ok := r.configs[cfg.ID]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	r.configs[cfg.ID] = cfg.clone()
	r.mu.Unlock()

	r.logger.Debug("agent config upserted", "agent_id", cfg.ID, "name", cfg.Name)
	return nil
}

// Get returns a copy of the configuration for the given agent ID.
func (r *Registry) Get(agentID string) (AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[agentID]
	if !ok {
		return AgentConfig{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return cfg.clone(), nil
}

// List returns copies of all registered configurations, sorted by ID.
func (r *Registry) List() []AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a configuration. Removing an unknown ID is a no-op.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[agentID]; ok {
		delete(r.configs, agentID)
		r.logger.Debug("agent config removed", "agent_id", agentID)
	}
}

// Len returns the number of registered configurations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}
