package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rendis/steward/pkg/schema"
)

const (
	runFileName   = "run.json"
	traceFileName = "trace.jsonl"
)

// FileStore keeps runs, HITL requests, audit entries and traces as JSON files:
//
//	<runs>/<run_id>/run.json
//	<runs>/<run_id>/{outputs,logs}/
//	<runs>/<run_id>/hitl/requests/<request_id>.json
//	<runs>/<run_id>/hitl/audit/<audit_id>.json
//	<runs>/<run_id>/trace.jsonl
//	<policy>/<audit_id>.json
type FileStore struct {
	runsDir   string
	policyDir string

	mu      sync.Mutex
	traceMu sync.Mutex
}

// NewFileStore creates a FileStore. policyDir defaults to a "policy-audit"
// sibling of runsDir.
func NewFileStore(runsDir, policyDir string) *FileStore {
	if policyDir == "" {
		policyDir = filepath.Join(filepath.Dir(filepath.Clean(runsDir)), "policy-audit")
	}
	return &FileStore{runsDir: runsDir, policyDir: policyDir}
}

// RunDir returns the directory holding a run's artifacts.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

// Location returns the run directory, which is the record's location.
func (s *FileStore) Location(runID string) string {
	return s.RunDir(runID)
}

func (s *FileStore) runFile(runID string) string {
	return filepath.Join(s.RunDir(runID), runFileName)
}

// --- Runs ---

func (s *FileStore) Create(_ context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(run)
}

func (s *FileStore) createLocked(run *schema.RunRecord) (string, error) {
	dir := s.RunDir(run.RunID)
	path := s.runFile(run.RunID)
	if fileExists(path) {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "Run already exists at %s", path)
	}
	for _, sub := range []string{"outputs", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", storeErr("create run dir", err)
		}
	}
	if err := writeJSON(path, run); err != nil {
		return "", storeErr("write run", err)
	}
	return dir, nil
}

func (s *FileStore) Update(_ context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(run)
}

func (s *FileStore) updateLocked(run *schema.RunRecord) (string, error) {
	path := s.runFile(run.RunID)
	if !fileExists(path) {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "Run does not exist at %s", path)
	}
	if err := writeJSON(path, run); err != nil {
		return "", storeErr("write run", err)
	}
	return s.RunDir(run.RunID), nil
}

func (s *FileStore) Upsert(_ context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileExists(s.runFile(run.RunID)) {
		return s.updateLocked(run)
	}
	return s.createLocked(run)
}

func (s *FileStore) Load(_ context.Context, runID string) (*schema.RunRecord, error) {
	if !validID(runID) {
		return nil, invalidID("run", runID)
	}
	var run schema.RunRecord
	if err := readJSON(s.runFile(runID), &run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storeNotFound("run", runID)
		}
		return nil, storeErr("read run", err)
	}
	return &run, nil
}

func (s *FileStore) ListIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.runsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- HITL requests ---

func (s *FileStore) requestPath(runID, requestID string) string {
	return filepath.Join(s.RunDir(runID), "hitl", "requests", requestID+".json")
}

func (s *FileStore) SaveRequest(_ context.Context, req *schema.HitlRequest) (string, error) {
	if !validID(req.RunID) || !validID(req.RequestID) {
		return "", invalidID("hitl request", req.RequestID)
	}
	path := s.requestPath(req.RunID, req.RequestID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", storeErr("create request dir", err)
	}
	if err := writeJSON(path, req); err != nil {
		return "", storeErr("write hitl request", err)
	}
	return path, nil
}

func (s *FileStore) LoadRequest(_ context.Context, requestID string) (*schema.HitlRequest, error) {
	if !validID(requestID) {
		return nil, invalidID("hitl request", requestID)
	}
	matches, err := filepath.Glob(filepath.Join(s.runsDir, "*", "hitl", "requests", requestID+".json"))
	if err != nil {
		return nil, storeErr("find hitl request", err)
	}
	if len(matches) == 0 {
		return nil, storeNotFound("hitl request", requestID)
	}
	var req schema.HitlRequest
	if err := readJSON(matches[0], &req); err != nil {
		return nil, storeErr("read hitl request", err)
	}
	return &req, nil
}

func (s *FileStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*schema.HitlRequest, error) {
	pattern := filepath.Join(s.runsDir, "*", "hitl", "requests", "*.json")
	if filter.RunID != "" {
		if !validID(filter.RunID) {
			return nil, invalidID("run", filter.RunID)
		}
		pattern = filepath.Join(s.RunDir(filter.RunID), "hitl", "requests", "*.json")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, storeErr("list hitl requests", err)
	}

	var out []*schema.HitlRequest
	for _, p := range paths {
		var req schema.HitlRequest
		if err := readJSON(p, &req); err != nil {
			return nil, storeErr("read hitl request", err)
		}
		if filter.Match(&req) {
			out = append(out, &req)
		}
	}
	sortRequests(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Audit ---

func (s *FileStore) AppendAudit(_ context.Context, entry *schema.AuditLogEntry) (string, error) {
	if !validID(entry.RunID) || !validID(entry.AuditID) {
		return "", invalidID("audit", entry.AuditID)
	}
	path := filepath.Join(s.RunDir(entry.RunID), "hitl", "audit", entry.AuditID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", storeErr("create audit dir", err)
	}
	if err := writeJSONExclusive(path, entry); err != nil {
		return "", storeErr("write audit", err)
	}
	return path, nil
}

func (s *FileStore) AppendPolicyAudit(_ context.Context, rec *schema.PolicyAuditRecord) (string, error) {
	if !validID(rec.AuditID) {
		return "", invalidID("audit", rec.AuditID)
	}
	if err := os.MkdirAll(s.policyDir, 0o755); err != nil {
		return "", storeErr("create policy audit dir", err)
	}
	path := filepath.Join(s.policyDir, rec.AuditID+".json")
	if err := writeJSONExclusive(path, rec); err != nil {
		return "", storeErr("write policy audit", err)
	}
	return path, nil
}

func (s *FileStore) ListAudit(_ context.Context, runID string) ([]*schema.AuditLogEntry, error) {
	if !validID(runID) {
		return nil, invalidID("run", runID)
	}
	paths, err := filepath.Glob(filepath.Join(s.RunDir(runID), "hitl", "audit", "*.json"))
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	out := make([]*schema.AuditLogEntry, 0, len(paths))
	for _, p := range paths {
		var e schema.AuditLogEntry
		if err := readJSON(p, &e); err != nil {
			return nil, storeErr("read audit", err)
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].AuditID < out[j].AuditID
	})
	return out, nil
}

// --- Trace ---

// AppendTrace appends one event to the run's trace.jsonl. The run
// directory must already exist.
func (s *FileStore) AppendTrace(ctx context.Context, event *schema.TraceEvent) error {
	c, err := NewTraceCollector(s, event.RunID)
	if err != nil {
		return err
	}
	return c.Record(ctx, event)
}

// ListTrace reads a run's trace.jsonl; a missing file yields no events.
func (s *FileStore) ListTrace(_ context.Context, runID string) ([]*schema.TraceEvent, error) {
	if !validID(runID) {
		return nil, invalidID("run", runID)
	}
	f, err := os.Open(filepath.Join(s.RunDir(runID), traceFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return []*schema.TraceEvent{}, nil
	}
	if err != nil {
		return nil, storeErr("open trace", err)
	}
	defer f.Close()

	var out []*schema.TraceEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		var ev schema.TraceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, storeErr("decode trace line", err)
		}
		out = append(out, &ev)
	}
	if err := sc.Err(); err != nil {
		return nil, storeErr("read trace", err)
	}
	return out, nil
}

// --- Helpers ---

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// writeJSONExclusive creates path and fails if it already exists.
func writeJSONExclusive(path string, v any) error {
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}

func sortRequests(reqs []*schema.HitlRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
		}
		return reqs[i].RequestID < reqs[j].RequestID
	})
}
