// ABOUTME: Tests for the agent configuration registry.
// ABOUTME: Covers validation, upsert semantics, snapshot isolation, concurrency.

package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(id string) AgentConfig {
	return AgentConfig{
		ID:                 id,
		Name:               "Test Agent",
		Description:        "agent under test",
		AllowedTools:       []string{"builtin.analyze"},
		MaxConcurrentTools: 2,
		ToolTimeout:        time.Minute,
		Enabled:            true,
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := New(nil)

	require.NoError(t, r.Add(validConfig("agent-1")))

	got, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, "Test Agent", got.Name)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := New(nil)

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_AddRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"missing id", func(c *AgentConfig) { c.ID = "" }},
		{"missing name", func(c *AgentConfig) { c.Name = "" }},
		{"negative tool limit", func(c *AgentConfig) { c.MaxConcurrentTools = -1 }},
		{"negative timeout", func(c *AgentConfig) { c.ToolTimeout = -time.Second }},
		{"allow deny overlap", func(c *AgentConfig) {
			c.AllowedTools = []string{"builtin.analyze"}
			c.DeniedTools = []string{"builtin.analyze"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			cfg := validConfig("agent-1")
			tt.mutate(&cfg)

			err := r.Add(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegistry_UpsertPreservesCreatedAt(t *testing.T) {
	r := New(nil)

	require.NoError(t, r.Add(validConfig("agent-1")))
	first, err := r.Get("agent-1")
	require.NoError(t, err)

	updated := validConfig("agent-1")
	updated.Name = "Renamed Agent"
	require.NoError(t, r.Add(updated))

	got, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Agent", got.Name)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_GetReturnsIndependentCopy(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(validConfig("agent-1")))

	got, err := r.Get("agent-1")
	require.NoError(t, err)

	// Mutating the returned value must not leak into the registry.
	got.Name = "mutated"
	got.AllowedTools[0] = "mutated.tool"

	again, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Agent", again.Name)
	assert.Equal(t, "builtin.analyze", again.AllowedTools[0])
}

func TestRegistry_Remove(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(validConfig("agent-1")))

	r.Remove("agent-1")
	_, err := r.Get("agent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing an unknown id is a no-op.
	r.Remove("agent-1")
}

func TestRegistry_ListSortedAndComplete(t *testing.T) {
	r := New(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(validConfig(fmt.Sprintf("agent-%d", i))))
	}

	list := r.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1].ID, list[i].ID)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n%5)
			_ = r.Add(validConfig(id))
			_, _ = r.Get(id)
			_ = r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
}
