package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func newTestTraceLog(t *testing.T) *TraceLog {
	t.Helper()
	return NewTraceLog(newTestStore(t))
}

func stepEvent(runID, stepID, action string, meta map[string]string) *schema.TraceEvent {
	m := map[string]string{"step_id": stepID}
	for k, v := range meta {
		m[k] = v
	}
	return &schema.TraceEvent{
		EventID:  "evt-" + action,
		RunID:    runID,
		Category: schema.TraceCategoryWorkflow,
		Action:   action,
		Metadata: m,
	}
}

func TestTraceLog_AppendTrace_MonotonicSequence(t *testing.T) {
	tl := newTestTraceLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := stepEvent("run-1", "s1", schema.EventStepStarted, nil)
		require.NoError(t, tl.AppendTrace(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per run.
	other := stepEvent("run-2", "s1", schema.EventStepStarted, nil)
	require.NoError(t, tl.AppendTrace(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestTraceLog_AppendTrace_Concurrent(t *testing.T) {
	tl := newTestTraceLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tl.AppendTrace(ctx, stepEvent("run-1", "s1", schema.EventStepStarted, nil)))
		}()
	}
	wg.Wait()

	events, err := tl.ListTrace(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestTraceLog_ListTraceSince(t *testing.T) {
	tl := newTestTraceLog(t)
	ctx := context.Background()

	for _, action := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventWorkflowCompleted} {
		require.NoError(t, tl.AppendTrace(ctx, stepEvent("run-1", "s1", action, nil)))
	}

	events, err := tl.ListTrace(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = tl.ListTraceSince(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, schema.EventStepCompleted, events[0].Action)

	events, err = tl.ListTrace(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTraceLog_ReplaySteps_FullLifecycle(t *testing.T) {
	tl := newTestTraceLog(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	add := func(e *schema.TraceEvent, at time.Time) {
		e.Timestamp = at
		require.NoError(t, tl.AppendTrace(ctx, e))
	}

	// s1: started, completed
	add(stepEvent("run-1", "s1", schema.EventStepStarted, map[string]string{"attempt": "1"}), now)
	add(stepEvent("run-1", "s1", schema.EventStepCompleted, nil), now.Add(time.Second))

	// s2: two attempts, then failed
	add(stepEvent("run-1", "s2", schema.EventStepStarted, map[string]string{"attempt": "1"}), now)
	retry := stepEvent("run-1", "s2", schema.EventStepRetrying, nil)
	retry.Message = "flaky"
	add(retry, now)
	add(stepEvent("run-1", "s2", schema.EventStepStarted, map[string]string{"attempt": "2"}), now)
	failed := stepEvent("run-1", "s2", schema.EventStepFailed, nil)
	failed.Message = "boom"
	add(failed, now.Add(2*time.Second))

	// s3: waiting on a reviewer
	add(stepEvent("run-1", "s3", schema.EventStepSuspended, map[string]string{"request_id": "req-1"}), now)

	states, err := tl.ReplaySteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, schema.StepStatusSuccess, states["s1"].Status)
	assert.Equal(t, 1, states["s1"].Attempts)
	require.NotNil(t, states["s1"].CompletedAt)
	assert.True(t, states["s1"].CompletedAt.Equal(now.Add(time.Second)))

	assert.Equal(t, schema.StepStatusFailure, states["s2"].Status)
	assert.Equal(t, 2, states["s2"].Attempts)
	assert.Equal(t, "boom", states["s2"].LastError)

	assert.Equal(t, schema.StepStatusWaitingHitl, states["s3"].Status)
	assert.Equal(t, "req-1", states["s3"].HitlRequestID)
}

func TestReplaySteps_ResetAndIgnoredEvents(t *testing.T) {
	events := []*schema.TraceEvent{
		stepEvent("run-1", "s1", schema.EventStepSuspended, map[string]string{"request_id": "r"}),
		stepEvent("run-1", "s1", schema.EventStepReset, map[string]string{"status": "pending"}),
		{RunID: "run-1", Category: schema.TraceCategoryTool, Action: schema.EventToolInvoked, Metadata: map[string]string{"step_id": "s9"}},
		{RunID: "run-1", Category: schema.TraceCategoryWorkflow, Action: schema.EventWorkflowStarted},
	}
	states := ReplaySteps(events)
	require.Len(t, states, 1)
	assert.Equal(t, schema.StepStatusPending, states["s1"].Status)
}

func TestTraceLog_InvalidRunID(t *testing.T) {
	tl := newTestTraceLog(t)
	err := tl.AppendTrace(context.Background(), &schema.TraceEvent{RunID: "../x"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
