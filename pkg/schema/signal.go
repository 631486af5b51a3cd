package schema

// Verb is what a reviewer does to a HITL request.
type Verb string

const (
	VerbApprove           Verb = "approve"
	VerbReject            Verb = "reject"
	VerbEscalate          Verb = "escalate"
	VerbDeny              Verb = "deny"
	VerbRequestMitigation Verb = "request-mitigation"
)

// ReviewSignal is a reviewer-initiated decision on a queued request.
type ReviewSignal struct {
	RequestID string `json:"request_id" validate:"required"`
	Verb      Verb   `json:"verb" validate:"required,oneof=approve reject escalate deny request-mitigation"`
	Reviewer  string `json:"reviewer" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// Outcome maps the verb to the resulting request status for a queue kind.
// The boolean is false when the verb is not legal for that kind. Escalation
// leaves the request pending.
func (s ReviewSignal) Outcome(kind HitlType) (HitlStatus, bool) {
	switch kind {
	case HitlTypeApproval:
		switch s.Verb {
		case VerbApprove:
			return HitlStatusApproved, true
		case VerbReject:
			return HitlStatusRejected, true
		case VerbEscalate:
			return HitlStatusPending, true
		}
	case HitlTypeException:
		switch s.Verb {
		case VerbApprove:
			return HitlStatusApproved, true
		case VerbDeny:
			return HitlStatusDenied, true
		case VerbRequestMitigation:
			return HitlStatusMitigationRequested, true
		}
	}
	return "", false
}
