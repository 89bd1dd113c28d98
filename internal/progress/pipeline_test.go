// ABOUTME: Tests for the non-blocking progress pipeline.
// ABOUTME: Covers sequencing, drop-newest overflow, port replacement, concurrency.

package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_DeliversToPort(t *testing.T) {
	p := NewPipeline(nil)
	port := make(chan Event, 4)
	p.SetPort(port)

	p.Send(EventPlanCreated, "plan-1", "sess-1", map[string]any{"steps": 2})

	require.Len(t, port, 1)
	ev := <-port
	assert.Equal(t, EventPlanCreated, ev.Type)
	assert.Equal(t, "plan-1", ev.PlanID)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, 2, ev.Payload["steps"])
}

func TestPipeline_SeqStrictlyIncreasingPerPlan(t *testing.T) {
	p := NewPipeline(nil)
	port := make(chan Event, 16)
	p.SetPort(port)

	for i := 0; i < 5; i++ {
		p.Send(EventStepCompleted, "plan-1", "sess-1", nil)
	}
	p.Send(EventStepCompleted, "plan-2", "sess-1", nil)

	var planOneSeqs []uint64
	var planTwoSeqs []uint64
	for len(port) > 0 {
		ev := <-port
		switch ev.PlanID {
		case "plan-1":
			planOneSeqs = append(planOneSeqs, ev.Seq)
		case "plan-2":
			planTwoSeqs = append(planTwoSeqs, ev.Seq)
		}
	}

	require.Len(t, planOneSeqs, 5)
	for i, seq := range planOneSeqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	// Each plan has its own counter.
	require.Len(t, planTwoSeqs, 1)
	assert.Equal(t, uint64(1), planTwoSeqs[0])
}

func TestPipeline_NoPortDropsSilently(t *testing.T) {
	p := NewPipeline(nil)

	// Must not block or panic with no observer attached.
	p.Send(EventExecutionStarted, "plan-1", "sess-1", nil)
	p.Send(EventExecutionCompleted, "plan-1", "sess-1", nil)

	assert.Equal(t, uint64(2), p.Dropped())
}

func TestPipeline_FullPortDropsNewest(t *testing.T) {
	p := NewPipeline(nil)
	port := make(chan Event, 2)
	p.SetPort(port)

	for i := 0; i < 5; i++ {
		p.Send(EventStepStarted, "plan-1", "sess-1", nil)
	}

	// The first two events fit; the rest are dropped, never reordered.
	assert.Equal(t, uint64(3), p.Dropped())
	first := <-port
	second := <-port
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	// Sequence numbers still advanced for the dropped events, so the
	// observer can detect the gap.
	p.Send(EventStepStarted, "plan-1", "sess-1", nil)
	sixth := <-port
	assert.Equal(t, uint64(6), sixth.Seq)
}

func TestPipeline_SetPortReplacesObserver(t *testing.T) {
	p := NewPipeline(nil)
	oldPort := make(chan Event, 4)
	newPort := make(chan Event, 4)

	p.SetPort(oldPort)
	p.Send(EventPlanCreated, "plan-1", "sess-1", nil)

	p.SetPort(newPort)
	p.Send(EventPlanConfirmed, "plan-1", "sess-1", nil)

	require.Len(t, oldPort, 1)
	require.Len(t, newPort, 1)
	assert.Equal(t, EventPlanConfirmed, (<-newPort).Type)

	// Detaching entirely reverts to silent drops.
	p.SetPort(nil)
	p.Send(EventExecutionStarted, "plan-1", "sess-1", nil)
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestPipeline_ReleasePlanResetsSequence(t *testing.T) {
	p := NewPipeline(nil)
	port := make(chan Event, 8)
	p.SetPort(port)

	p.Send(EventPlanCreated, "plan-1", "sess-1", nil)
	p.Send(EventExecutionCompleted, "plan-1", "sess-1", nil)
	p.ReleasePlan("plan-1")

	p.Send(EventPlanCreated, "plan-1", "sess-2", nil)

	<-port
	<-port
	restarted := <-port
	assert.Equal(t, uint64(1), restarted.Seq)
}

func TestPipeline_ConcurrentSendersNoGapsNoDuplicates(t *testing.T) {
	p := NewPipeline(nil)
	port := make(chan Event, 1024)
	p.SetPort(port)

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				p.Send(EventStepCompleted, "plan-1", "sess-1", nil)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for len(port) > 0 {
		ev := <-port
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	assert.Len(t, seen, senders*perSender)
	assert.Equal(t, uint64(0), p.Dropped())
}
