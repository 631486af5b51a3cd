package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/steward/pkg/schema"
)

// TraceLog keeps trace events in libSQL with a gapless per-run sequence.
// It implements TraceSink.
type TraceLog struct {
	store *LibSQLStore
}

// NewTraceLog wraps a LibSQLStore to provide the trace log.
func NewTraceLog(s *LibSQLStore) *TraceLog {
	return &TraceLog{store: s}
}

// AppendTrace appends an event and assigns event.Sequence.
func (tl *TraceLog) AppendTrace(ctx context.Context, event *schema.TraceEvent) error {
	if !validID(event.RunID) {
		return invalidID("run", event.RunID)
	}
	db := tl.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM trace_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trace_events (run_id, sequence, event_id, timestamp, category, action, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.EventID, formatTime(event.Timestamp), string(event.Category), event.Action, string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert trace event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace event: %w", err)
	}
	return nil
}

// ListTrace returns every event of a run ordered by sequence.
func (tl *TraceLog) ListTrace(ctx context.Context, runID string) ([]*schema.TraceEvent, error) {
	return tl.ListTraceSince(ctx, runID, 0)
}

// ListTraceSince returns events with sequence > since, ordered by sequence.
func (tl *TraceLog) ListTraceSince(ctx context.Context, runID string, since int64) ([]*schema.TraceEvent, error) {
	rows, err := tl.store.DB().QueryContext(ctx,
		`SELECT document FROM trace_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, storeErr("list trace", err)
	}
	defer rows.Close()

	out := []*schema.TraceEvent{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		ev := &schema.TraceEvent{}
		if err := json.Unmarshal([]byte(doc), ev); err != nil {
			return nil, storeErr("unmarshal trace event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReplaySteps rebuilds step records from a run's workflow trace. It returns
// an error if the sequence has gaps.
func (tl *TraceLog) ReplaySteps(ctx context.Context, runID string) (map[string]*schema.WorkflowStepRecord, error) {
	events, err := tl.ListTrace(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}
	return ReplaySteps(events), nil
}

// ReplaySteps folds workflow trace events into step records keyed by step_id.
func ReplaySteps(events []*schema.TraceEvent) map[string]*schema.WorkflowStepRecord {
	states := make(map[string]*schema.WorkflowStepRecord)

	for _, e := range events {
		stepID := e.Metadata["step_id"]
		if stepID == "" || e.Category != schema.TraceCategoryWorkflow {
			continue
		}

		ss, ok := states[stepID]
		if !ok {
			ss = &schema.WorkflowStepRecord{StepID: stepID, Status: schema.StepStatusPending}
			states[stepID] = ss
		}
		ts := e.Timestamp

		switch e.Action {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
			if n, err := strconv.Atoi(e.Metadata["attempt"]); err == nil {
				ss.Attempts = n
			}

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusSuccess
			ss.CompletedAt = &ts
			ss.LastError = ""

		case schema.EventStepRetrying:
			ss.LastError = e.Message

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailure
			ss.CompletedAt = &ts
			ss.LastError = e.Message

		case schema.EventStepSuspended:
			ss.Status = schema.StepStatusWaitingHitl
			ss.HitlRequestID = e.Metadata["request_id"]

		case schema.EventStepReset:
			if st := schema.StepStatus(e.Metadata["status"]); st != "" {
				ss.Status = st
			}
		}
	}

	return states
}
