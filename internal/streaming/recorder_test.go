package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

type sliceRecorder struct {
	events []*schema.TraceEvent
	err    error
}

func (r *sliceRecorder) AppendTrace(_ context.Context, ev *schema.TraceEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func traceEvent() *schema.TraceEvent {
	return &schema.TraceEvent{
		EventID:   "ev-1",
		RunID:     "run-1",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Category:  schema.TraceCategoryWorkflow,
		Action:    schema.EventStepSuspended,
		Status:    schema.TraceStatusStart,
		Message:   "waiting for approval",
		Metadata:  map[string]string{"step_id": "deploy", "request_id": "req-1"},
	}
}

func TestRecorder_PersistsThenPublishes(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	next := &sliceRecorder{}
	rec := NewRecorder(next, hub, quietLogger())
	require.NoError(t, rec.AppendTrace(context.Background(), traceEvent()))

	require.Len(t, next.events, 1)
	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "deploy", got.StepID)
	assert.Equal(t, "workflow", got.Category)
	assert.Equal(t, schema.EventStepSuspended, got.EventType)
	assert.Equal(t, "req-1", got.Metadata["request_id"])
}

func TestRecorder_StoreFailureIsNotPublished(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	rec := NewRecorder(&sliceRecorder{err: errors.New("disk full")}, hub, quietLogger())
	assert.EqualError(t, rec.AppendTrace(context.Background(), traceEvent()), "disk full")
	requireQuiet(t, ch)
}

func TestRecorder_CancelledContextStillPublishes(t *testing.T) {
	hub := NewMemoryHub()
	ch, unsubscribe, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := NewRecorder(nil, hub, quietLogger())
	require.NoError(t, rec.AppendTrace(ctx, traceEvent()))
	assert.Equal(t, "run-1", receive(t, ch).RunID)
}

func TestFromTrace_CopiesMetadata(t *testing.T) {
	ev := traceEvent()
	ev.Metadata["tool_id"] = "deploy.apply"
	got := FromTrace(ev)
	assert.Equal(t, "deploy.apply", got.ToolID)

	got.Metadata["step_id"] = "changed"
	assert.Equal(t, "deploy", ev.Metadata["step_id"])
}
