package streaming

import (
	"context"
	"log/slog"
	"maps"

	"github.com/rendis/steward/pkg/schema"
)

// TraceRecorder matches the recorder interfaces of the engine and the tool
// executor.
type TraceRecorder interface {
	AppendTrace(ctx context.Context, event *schema.TraceEvent) error
}

// Recorder forwards trace events to the durable recorder and then publishes
// them on a hub. Publishing never fails a run.
type Recorder struct {
	next   TraceRecorder
	hub    EventHub
	logger *slog.Logger
}

// NewRecorder tees next into hub. next may be nil when only live delivery
// is wanted.
func NewRecorder(next TraceRecorder, hub EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{next: next, hub: hub, logger: logger}
}

// AppendTrace persists first so subscribers never see an event the store
// refused.
func (r *Recorder) AppendTrace(ctx context.Context, event *schema.TraceEvent) error {
	if r.next != nil {
		if err := r.next.AppendTrace(ctx, event); err != nil {
			return err
		}
	}
	if r.hub == nil {
		return nil
	}
	if err := r.hub.Publish(context.WithoutCancel(ctx), FromTrace(event)); err != nil {
		r.logger.Warn("stream publish failed", "run_id", event.RunID, "action", event.Action, "error", err)
	}
	return nil
}

// FromTrace converts a trace event to its live form.
func FromTrace(event *schema.TraceEvent) StreamEvent {
	return StreamEvent{
		RunID:     event.RunID,
		StepID:    event.Metadata["step_id"],
		ToolID:    event.Metadata["tool_id"],
		Category:  string(event.Category),
		EventType: event.Action,
		Status:    string(event.Status),
		Message:   event.Message,
		Timestamp: event.Timestamp,
		Metadata:  maps.Clone(event.Metadata),
	}
}
