// ABOUTME: Non-blocking notification pipeline for plan lifecycle and progress events.
// ABOUTME: Delivers sequenced events to a single observer port; never stalls execution.

package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType tags a notification event.
type EventType string

const (
	EventPlanCreated        EventType = "plan_created"
	EventPlanConfirmed      EventType = "plan_confirmed"
	EventExecutionStarted   EventType = "execution_started"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

// Event is a transient progress notification. Seq is monotonically
// increasing per plan ID starting at 1; the observer can detect drops
// by watching for gaps, and will never see duplicates or reordering
// from a single pipeline.
type Event struct {
	Type      EventType
	PlanID    string
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Payload   map[string]any
}

// Pipeline fans plan progress out to at most one registered observer.
// Sends are best-effort: with no port registered, or with the observer's
// buffer full, the in-flight event is dropped (drop-newest policy) and
// execution proceeds unaffected.
type Pipeline struct {
	mu      sync.Mutex
	port    chan<- Event
	seqs    map[string]uint64
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewPipeline creates a pipeline with no observer registered.
// Pass nil logger for default.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		seqs:   make(map[string]uint64),
		logger: logger.With("component", "progress"),
	}
}

// SetPort registers the observer channel, replacing any prior
// registration. Pass nil to detach the observer entirely. The pipeline
// never closes the port; the registering side owns its lifecycle.
func (p *Pipeline) SetPort(port chan<- Event) {
	p.mu.Lock()
	p.port = port
	p.mu.Unlock()
}

// Send pushes one event to the observer. The per-plan sequence number is
// assigned under the pipeline lock, so observed sequences are strictly
// increasing even under concurrent senders. Never blocks.
func (p *Pipeline) Send(eventType EventType, planID, sessionID string, payload map[string]any) {
	p.mu.Lock()
	p.seqs[planID]++
	event := Event{
		Type:      eventType,
		PlanID:    planID,
		SessionID: sessionID,
		Seq:       p.seqs[planID],
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	port := p.port

	if port == nil {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}

	select {
	case port <- event:
	default:
		// Observer buffer full; drop the newest event
		p.dropped.Add(1)
		p.logger.Debug("dropped progress event for slow observer",
			"plan_id", planID,
			"type", eventType,
			"seq", event.Seq)
	}
	p.mu.Unlock()
}

// ReleasePlan frees the sequence counter for a plan that reached a
// terminal state. A later Send for the same plan ID restarts at 1.
func (p *Pipeline) ReleasePlan(planID string) {
	p.mu.Lock()
	delete(p.seqs, planID)
	p.mu.Unlock()
}

// Dropped returns the number of events dropped since creation.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}
