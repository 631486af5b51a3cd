package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/pkg/schema"
)

// TraceCollector appends one run's trace events to <run>/trace.jsonl.
type TraceCollector struct {
	store *FileStore
	runID string
	path  string
}

// NewTraceCollector binds a collector to an existing run directory.
func NewTraceCollector(s *FileStore, runID string) (*TraceCollector, error) {
	if !validID(runID) {
		return nil, invalidID("run", runID)
	}
	dir := s.RunDir(runID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Run directory missing for %s", runID)
	}
	return &TraceCollector{store: s, runID: runID, path: filepath.Join(dir, traceFileName)}, nil
}

// Path returns the trace file location.
func (c *TraceCollector) Path() string { return c.path }

// Record appends event as one JSON line. Missing event ids and timestamps
// are filled in.
func (c *TraceCollector) Record(_ context.Context, event *schema.TraceEvent) error {
	if event.RunID != c.runID {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"Trace event run_id %s does not match %s", event.RunID, c.runID)
	}
	if event.EventID == "" {
		event.EventID = ids.EventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ids.Now()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return storeErr("marshal trace event", err)
	}
	line = append(line, '\n')

	c.store.traceMu.Lock()
	defer c.store.traceMu.Unlock()

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return storeErr("open trace", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return storeErr("append trace", err)
	}
	return f.Close()
}
