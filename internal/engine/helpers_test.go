package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendis/steward/internal/hitl"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// memRecorder collects trace events.
type memRecorder struct {
	mu     sync.Mutex
	events []*schema.TraceEvent
}

func (r *memRecorder) AppendTrace(_ context.Context, ev *schema.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *memRecorder) Events() []*schema.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schema.TraceEvent(nil), r.events...)
}

func (r *memRecorder) Actions() []string {
	var out []string
	for _, ev := range r.Events() {
		out = append(out, ev.Action)
	}
	return out
}

type failingRecorder struct{}

func (failingRecorder) AppendTrace(context.Context, *schema.TraceEvent) error {
	return errors.New("recorder unavailable")
}

// failingAudit rejects every HITL audit entry.
type failingAudit struct{ store.AuditSink }

func (failingAudit) AppendAudit(context.Context, *schema.AuditLogEntry) (string, error) {
	return "", errors.New("audit unavailable")
}

type fixture struct {
	store    *store.FileStore
	queue    *hitl.Queue
	recorder *memRecorder
	runtime  *Runtime
}

type fixtureOption func(*RuntimeConfig)

func withoutQueue() fixtureOption {
	return func(c *RuntimeConfig) { c.Queue = nil }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs := store.NewFileStore(dir+"/runs", dir+"/policy-audit")
	clock := ids.SteppingClock(testStart, time.Second)
	queue := hitl.NewQueue(
		hitl.WithRequestStore(fs),
		hitl.WithAudit(fs),
		hitl.WithClock(clock),
		hitl.WithLogger(discardLogger()),
	)
	rec := &memRecorder{}
	cfg := RuntimeConfig{
		Store:      fs,
		Queue:      queue,
		Requester:  "ops-bot",
		PlaybookID: "pb-change",
		Audit:      fs,
		Clock:      clock,
		IDs:        ids.Sequence("id"),
		Recorder:   rec,
		Logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	return &fixture{store: fs, queue: queue, recorder: rec, runtime: rt}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRun(id string) *schema.RunRecord {
	return &schema.RunRecord{
		RunID:     id,
		Timestamp: testStart,
		Source:    schema.RunSourceGovernedExecution,
		Actor:     "alice",
		Purpose:   "apply change",
		Inputs:    []string{},
		Outputs:   []string{},
		Status:    schema.RunStatusPartial,
	}
}

// changeWorkflow is collect-context followed by apply-change with two
// attempts.
func changeWorkflow(onFailure schema.FailureMode) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "wf-change",
		Name:       "Change rollout",
		Steps: []schema.WorkflowStepDefinition{
			{StepID: "collect-context", Name: "Collect context", Action: "collect"},
			{
				StepID:    "apply-change",
				Name:      "Apply change",
				Action:    "apply",
				Retry:     &schema.StepRetry{MaxAttempts: 2, DelayMS: 10},
				OnFailure: onFailure,
			},
			{StepID: "notify", Name: "Notify", Action: "notify"},
		},
	}
}

// countingHandler records calls and answers from a script; the last entry
// repeats once the script is exhausted.
type countingHandler struct {
	mu       sync.Mutex
	calls    int
	attempts []int
	script   []schema.StepOutcome
}

func succeed(outputs ...string) *countingHandler {
	return &countingHandler{script: []schema.StepOutcome{schema.Succeeded(outputs...)}}
}

func failWith(msg string) *countingHandler {
	return &countingHandler{script: []schema.StepOutcome{schema.Failed(msg)}}
}

func scripted(outcomes ...schema.StepOutcome) *countingHandler {
	return &countingHandler{script: outcomes}
}

func (h *countingHandler) Handle(_ context.Context, _ *schema.WorkflowStepDefinition, _ *schema.RunRecord, attempt int) (schema.StepOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.calls
	if idx >= len(h.script) {
		idx = len(h.script) - 1
	}
	h.calls++
	h.attempts = append(h.attempts, attempt)
	return h.script[idx], nil
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func stepRecord(t *testing.T, run *schema.RunRecord, stepID string) *schema.WorkflowStepRecord {
	t.Helper()
	require.NotNil(t, run.Workflow)
	rec, ok := run.Workflow.Step(stepID)
	require.True(t, ok, "missing step record %s", stepID)
	return rec
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var se *schema.StewardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, code, se.Code)
}
