package schema

import "time"

// HitlStatus is the lifecycle state of a human-in-the-loop request.
// Approval requests use pending/approved/rejected/expired; exception
// requests use pending/approved/denied/mitigation-requested.
type HitlStatus string

const (
	HitlStatusPending             HitlStatus = "pending"
	HitlStatusApproved            HitlStatus = "approved"
	HitlStatusRejected            HitlStatus = "rejected"
	HitlStatusExpired             HitlStatus = "expired"
	HitlStatusDenied              HitlStatus = "denied"
	HitlStatusMitigationRequested HitlStatus = "mitigation-requested"
)

// IsTerminal reports whether a decision has been made.
func (s HitlStatus) IsTerminal() bool {
	return s != HitlStatusPending
}

// HitlDecision records who decided a request and why.
type HitlDecision struct {
	DecidedBy string     `json:"decided_by"`
	DecidedAt time.Time  `json:"decided_at"`
	Decision  HitlStatus `json:"decision"`
	Reason    string     `json:"reason"`
}

// HitlRequest is a pending or decided human checkpoint for one step of a run.
type HitlRequest struct {
	RequestID   string        `json:"request_id"`
	Kind        HitlType      `json:"kind"`
	RunID       string        `json:"run_id"`
	PlaybookID  string        `json:"playbook_id"`
	StepID      string        `json:"step_id"`
	RequestedAt time.Time     `json:"requested_at"`
	Requester   string        `json:"requester"`
	Status      HitlStatus    `json:"status"`
	Summary     string        `json:"summary"`
	ContextRefs []string      `json:"context_refs"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	Decision    *HitlDecision `json:"decision,omitempty"`
}

// Clone returns a deep copy.
func (r *HitlRequest) Clone() *HitlRequest {
	out := *r
	out.ContextRefs = append([]string(nil), r.ContextRefs...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	return &out
}

// Audit actions.
const (
	AuditActionApprovalRequested = "hitl-approval-requested"
	AuditActionExceptionQueued   = "hitl-exception-queued"
	AuditActionHitlDecided       = "hitl-decided"
	AuditActionHitlEscalated     = "hitl-escalated"
	AuditActionHitlExpired       = "hitl-expired"
)

// AuditStatus is the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailure AuditStatus = "failure"
)

// AuditLogEntry is one append-only audit record.
type AuditLogEntry struct {
	AuditID   string            `json:"audit_id"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Status    AuditStatus       `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
