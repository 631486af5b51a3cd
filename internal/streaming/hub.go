package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live event emitted while a run executes.
type StreamEvent struct {
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id,omitempty"`
	ToolID    string            `json:"tool_id,omitempty"`
	Category  string            `json:"category"`
	EventType string            `json:"event_type"`
	Status    string            `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Categories []string `json:"categories,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
