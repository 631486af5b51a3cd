package store

import (
	"context"

	"github.com/rendis/steward/pkg/schema"
)

// RunStore persists run records keyed by run_id. Write methods return the
// location of the record (a path or a key). All implementations must be
// safe for concurrent use.
type RunStore interface {
	Location(runID string) string
	// Create fails with CONFLICT when the run already exists.
	Create(ctx context.Context, run *schema.RunRecord) (string, error)
	// Update fails with NOT_FOUND when the run does not exist.
	Update(ctx context.Context, run *schema.RunRecord) (string, error)
	Upsert(ctx context.Context, run *schema.RunRecord) (string, error)
	Load(ctx context.Context, runID string) (*schema.RunRecord, error)
	// ListIDs returns every stored run id in ascending order.
	ListIDs(ctx context.Context) ([]string, error)
}

// AuditSink is the append-only audit trail for HITL activity and policy
// decisions.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *schema.AuditLogEntry) (string, error)
	AppendPolicyAudit(ctx context.Context, rec *schema.PolicyAuditRecord) (string, error)
	ListAudit(ctx context.Context, runID string) ([]*schema.AuditLogEntry, error)
}

// RequestStore persists HITL requests so reviewers outside the process can
// read and decide them.
type RequestStore interface {
	SaveRequest(ctx context.Context, req *schema.HitlRequest) (string, error)
	LoadRequest(ctx context.Context, requestID string) (*schema.HitlRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*schema.HitlRequest, error)
}

// TraceSink appends and reads a run's trace events.
type TraceSink interface {
	AppendTrace(ctx context.Context, event *schema.TraceEvent) error
	ListTrace(ctx context.Context, runID string) ([]*schema.TraceEvent, error)
}
