package engine

import (
	"context"
	"fmt"

	"github.com/rendis/steward/pkg/schema"
)

// StepStatusForDecision maps a decided HITL request onto the status its
// step should take. An approved approval returns the step to pending with
// its request id kept, which the runtime reads as "gate passed". A
// mitigation request returns the step to pending for a fresh set of
// attempts.
func StepStatusForDecision(req *schema.HitlRequest) (schema.StepStatus, error) {
	switch req.Status {
	case schema.HitlStatusPending:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "hitl request %s is still pending", req.RequestID)
	case schema.HitlStatusApproved:
		if req.Kind == schema.HitlTypeException {
			return schema.StepStatusSuccess, nil
		}
		return schema.StepStatusPending, nil
	case schema.HitlStatusMitigationRequested:
		return schema.StepStatusPending, nil
	case schema.HitlStatusRejected, schema.HitlStatusDenied, schema.HitlStatusExpired:
		return schema.StepStatusFailure, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown hitl status %q", req.Status)
	}
}

// ResolveDecision applies a decided request to the step waiting on it and
// persists the run. The caller then calls Run again to continue the walk.
func (rt *Runtime) ResolveDecision(ctx context.Context, run *schema.RunRecord, req *schema.HitlRequest) (*schema.WorkflowStepRecord, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "hitl request is required")
	}
	if run == nil || run.Workflow == nil {
		return nil, schema.NewError(schema.ErrCodeMissingWorkflow, "Run record is missing workflow state.")
	}
	if req.RunID != run.RunID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"hitl request %s belongs to run %s, not %s", req.RequestID, req.RunID, run.RunID)
	}
	rec, ok := run.Workflow.Step(req.StepID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Missing workflow step record for %s", req.StepID).WithStep(req.StepID)
	}
	if rec.HitlRequestID != req.RequestID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"step %s is not waiting on hitl request %s", req.StepID, req.RequestID).WithStep(req.StepID)
	}
	if rec.Status != schema.StepStatusWaitingHitl {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s is %s, not waiting on a decision", req.StepID, rec.Status).WithStep(req.StepID)
	}

	status, err := StepStatusForDecision(req)
	if err != nil {
		return nil, err
	}

	note := ""
	if status == schema.StepStatusFailure {
		note = fmt.Sprintf("hitl request %s %s", req.RequestID, req.Status)
		if req.Decision != nil && req.Decision.Reason != "" {
			note += ": " + req.Decision.Reason
		}
	}

	updated, err := rt.updateStep(ctx, run, req.StepID, status, note)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		"step_id":    req.StepID,
		"request_id": req.RequestID,
		"decision":   string(req.Status),
		"status":     string(status),
	}
	if req.Decision != nil {
		meta["decided_by"] = req.Decision.DecidedBy
	}
	rt.record(ctx, run.RunID, schema.EventHitlDecided, fmt.Sprintf("%s request %s", req.Kind, req.Status), meta, rt.clock())
	return updated, nil
}
