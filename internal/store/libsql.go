package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/steward/pkg/schema"
)

// LibSQLStore implements RunStore, AuditSink and RequestStore on libSQL
// (embedded SQLite fork). Each row keeps the full record as JSON in its
// document column; the other columns exist for filtering and ordering.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/steward.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the trace log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded migrations the database has not seen yet.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, migrations)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Location returns the logical key of a run row.
func (s *LibSQLStore) Location(runID string) string {
	return "runs/" + runID
}

// --- Runs ---

func (s *LibSQLStore) Create(ctx context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return "", storeErr("marshal run", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, actor, status, timestamp, document) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		run.RunID, string(run.Source), run.Actor, string(run.Status), formatTime(run.Timestamp), string(doc),
	)
	if err != nil {
		return "", storeErr("insert run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "Run already exists at %s", s.Location(run.RunID))
	}
	return s.Location(run.RunID), nil
}

func (s *LibSQLStore) Update(ctx context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return "", storeErr("marshal run", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET source = ?, actor = ?, status = ?, timestamp = ?, document = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE run_id = ?`,
		string(run.Source), run.Actor, string(run.Status), formatTime(run.Timestamp), string(doc), run.RunID,
	)
	if err != nil {
		return "", storeErr("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "Run does not exist at %s", s.Location(run.RunID))
	}
	return s.Location(run.RunID), nil
}

func (s *LibSQLStore) Upsert(ctx context.Context, run *schema.RunRecord) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return "", storeErr("marshal run", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, actor, status, timestamp, document) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET source=excluded.source, actor=excluded.actor, status=excluded.status,
		 timestamp=excluded.timestamp, document=excluded.document, updated_at=CURRENT_TIMESTAMP`,
		run.RunID, string(run.Source), run.Actor, string(run.Status), formatTime(run.Timestamp), string(doc),
	)
	if err != nil {
		return "", storeErr("upsert run", err)
	}
	return s.Location(run.RunID), nil
}

func (s *LibSQLStore) Load(ctx context.Context, runID string) (*schema.RunRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storeErr("load run", err)
	}
	var run schema.RunRecord
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, storeErr("unmarshal run", err)
	}
	return &run, nil
}

func (s *LibSQLStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRuns returns run summaries filtered by status, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, status schema.RunStatus, limit int) ([]schema.RunSummary, error) {
	query := `SELECT document FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY timestamp DESC, run_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []schema.RunSummary
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var run schema.RunRecord
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, storeErr("unmarshal run", err)
		}
		out = append(out, run.Summary())
	}
	return out, rows.Err()
}

// DeleteRun removes a run along with its requests, audit entries and trace.
func (s *LibSQLStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"trace_events", "audit_log", "hitl_requests"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return storeErr("delete "+table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return storeErr("delete run", err)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- HITL requests ---

func (s *LibSQLStore) SaveRequest(ctx context.Context, req *schema.HitlRequest) (string, error) {
	doc, err := json.Marshal(req)
	if err != nil {
		return "", storeErr("marshal hitl request", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hitl_requests (request_id, run_id, step_id, kind, status, requested_at, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET status=excluded.status, document=excluded.document`,
		req.RequestID, req.RunID, req.StepID, string(req.Kind), string(req.Status), formatTime(req.RequestedAt), string(doc),
	)
	if err != nil {
		return "", storeErr("save hitl request", err)
	}
	return "hitl_requests/" + req.RequestID, nil
}

func (s *LibSQLStore) LoadRequest(ctx context.Context, requestID string) (*schema.HitlRequest, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM hitl_requests WHERE request_id = ?`, requestID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("hitl request", requestID)
	}
	if err != nil {
		return nil, storeErr("load hitl request", err)
	}
	var req schema.HitlRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return nil, storeErr("unmarshal hitl request", err)
	}
	return &req, nil
}

func (s *LibSQLStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*schema.HitlRequest, error) {
	query := `SELECT document FROM hitl_requests`
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at, request_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list hitl requests", err)
	}
	defer rows.Close()

	var out []*schema.HitlRequest
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		req := &schema.HitlRequest{}
		if err := json.Unmarshal([]byte(doc), req); err != nil {
			return nil, storeErr("unmarshal hitl request", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *schema.AuditLogEntry) (string, error) {
	doc, err := json.Marshal(entry)
	if err != nil {
		return "", storeErr("marshal audit", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, run_id, timestamp, action, target, document) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AuditID, entry.RunID, formatTime(entry.Timestamp), entry.Action, entry.Target, string(doc),
	)
	if err != nil {
		return "", storeErr("append audit", err)
	}
	return "audit_log/" + entry.AuditID, nil
}

func (s *LibSQLStore) AppendPolicyAudit(ctx context.Context, rec *schema.PolicyAuditRecord) (string, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", storeErr("marshal policy audit", err)
	}
	allowed := 0
	if rec.Allowed {
		allowed = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_audit (audit_id, policy_id, actor, action, allowed, decided_at, document) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AuditID, rec.PolicyID, rec.Actor, rec.Action, allowed, formatTime(rec.DecidedAt), string(doc),
	)
	if err != nil {
		return "", storeErr("append policy audit", err)
	}
	return "policy_audit/" + rec.AuditID, nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, runID string) ([]*schema.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM audit_log WHERE run_id = ? ORDER BY timestamp, audit_id`, runID)
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	defer rows.Close()

	out := []*schema.AuditLogEntry{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e := &schema.AuditLogEntry{}
		if err := json.Unmarshal([]byte(doc), e); err != nil {
			return nil, storeErr("unmarshal audit", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPolicyAudit returns policy decisions for an actor, oldest first.
// An empty actor lists every decision.
func (s *LibSQLStore) ListPolicyAudit(ctx context.Context, actor string, limit int) ([]*schema.PolicyAuditRecord, error) {
	query := `SELECT document FROM policy_audit`
	var args []any
	if actor != "" {
		query += ` WHERE actor = ?`
		args = append(args, actor)
	}
	query += ` ORDER BY decided_at, audit_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list policy audit", err)
	}
	defer rows.Close()

	var out []*schema.PolicyAuditRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rec := &schema.PolicyAuditRecord{}
		if err := json.Unmarshal([]byte(doc), rec); err != nil {
			return nil, storeErr("unmarshal policy audit", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// formatTime renders t so that lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
