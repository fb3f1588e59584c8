// Package observer provides the Observer pattern implementation for task
// graph execution monitoring. Library consumers register observers to
// track submissions, completions, retries, pruning, and recovery activity.
package observer

import (
	"context"
	"time"

	"github.com/dagstack/orchard/pkg/types"
)

// EventType represents the type of execution event
type EventType string

const (
	// Graph-level events
	EventGraphStart EventType = "graph_start"
	EventGraphEnd   EventType = "graph_end"

	// Node-level events
	EventNodeSubmitted EventType = "node_submitted"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeRetried   EventType = "node_retried"
	EventNodePruned    EventType = "node_pruned"

	// Resilience events
	EventRecoveryObserved EventType = "recovery_observed"
	EventWorkerEvicted    EventType = "worker_evicted"
)

// Event represents an execution event with all relevant metadata
type Event struct {
	// Event identification
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Execution context
	GraphID string `json:"graph_id,omitempty"`

	// Node-specific data (empty for graph-level events)
	NodeKey     string            `json:"node_key,omitempty"`
	TaskID      int               `json:"task_id,omitempty"`
	OutputClass types.OutputClass `json:"output_class,omitempty"`
	PruneStatus types.PruneStatus `json:"prune_status,omitempty"`

	// Pruning results
	PrunedReplicas int `json:"pruned_replicas,omitempty"`

	// Execution results
	Err error `json:"error,omitempty"`

	// Additional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Observer defines the interface for execution observers.
// Observers receive notifications about various stages of graph execution.
type Observer interface {
	// OnEvent is called when an execution event occurs.
	// The context can be used for cancellation and passing request-scoped values.
	OnEvent(ctx context.Context, event Event)
}

// Manager fans events out to registered observers.
type Manager struct {
	observers []Observer
}

// NewManager creates an empty observer manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds an observer. Not safe for concurrent use; register before
// execution starts.
func (m *Manager) Register(o Observer) {
	if o == nil {
		return
	}
	m.observers = append(m.observers, o)
}

// Notify delivers an event to every registered observer. A panicking
// observer is isolated so it cannot take the run down.
func (m *Manager) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, o := range m.observers {
		func() {
			defer func() {
				_ = recover()
			}()
			o.OnEvent(ctx, event)
		}()
	}
}
