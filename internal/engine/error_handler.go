package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/pkg/schema"
)

// routeFailure applies the step's on_failure mode once its attempts are
// spent. stop is true when the walk must return.
func (w *walk) routeFailure(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord) (stop bool, err error) {
	logger := logging.LogWith(ctx, w.rt.logger)

	switch step.OnFailure {
	case schema.FailureModeContinue:
		now := w.rt.clock()
		rec.Status = schema.StepStatusFailure
		rec.CompletedAt = &now
		if err := w.persist(ctx); err != nil {
			return true, err
		}
		w.stepEvent(ctx, schema.EventStepFailed, step, rec, rec.LastError, now)
		logger.WarnContext(ctx, "step failed, continuing", slog.String("error", rec.LastError))
		return false, nil

	case schema.FailureModeQueueException:
		summary := ""
		if step.Hitl != nil {
			summary = step.Hitl.Summary
		}
		req, err := w.rt.enqueue(ctx, w.run, step, schema.HitlTypeException, summary, map[string]string{"last_error": rec.LastError})
		if err != nil {
			return true, w.failSetup(ctx, step, rec, err)
		}
		w.markWaiting(ctx, step, rec, req)
		logger.WarnContext(ctx, "step failed, exception queued",
			slog.String("request_id", req.RequestID),
			slog.String("error", rec.LastError),
		)
		_, err = w.suspend(ctx)
		return true, err

	default:
		return w.halt(ctx, step, rec)
	}
}

// halt fails the step and the workflow. No later step runs.
func (w *walk) halt(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord) (bool, error) {
	now := w.rt.clock()
	rec.Status = schema.StepStatusFailure
	rec.CompletedAt = &now
	w.stepEvent(ctx, schema.EventStepFailed, step, rec, rec.LastError, now)
	if err := w.setWorkflowStatus(ctx, schema.WorkflowStatusFailure); err != nil {
		return true, err
	}
	logging.LogWith(ctx, w.rt.logger).ErrorContext(ctx, "step failed, workflow halted", slog.String("error", rec.LastError))
	return true, nil
}

// enqueue builds a HITL request for step, writes the matching audit entry
// and queues it.
func (rt *Runtime) enqueue(ctx context.Context, run *schema.RunRecord, step *schema.WorkflowStepDefinition, kind schema.HitlType, summary string, extra map[string]string) (*schema.HitlRequest, error) {
	if rt.queue == nil {
		return nil, schema.NewErrorf(schema.ErrCodeHitlNotConfigured,
			"HITL requested for step %s but no queue configured.", step.StepID).WithStep(step.StepID)
	}
	if summary == "" {
		summary = fmt.Sprintf("HITL required for %s", step.Name)
	}

	now := rt.clock()
	req := &schema.HitlRequest{
		RequestID:   rt.ids(),
		Kind:        kind,
		RunID:       run.RunID,
		PlaybookID:  rt.playbookID,
		StepID:      step.StepID,
		RequestedAt: now,
		Requester:   rt.requester,
		Status:      schema.HitlStatusPending,
		Summary:     summary,
		ContextRefs: []string{},
	}
	if req.PlaybookID == "" && run.Workflow != nil {
		req.PlaybookID = run.Workflow.WorkflowID
	}
	if step.Hitl != nil && len(step.Hitl.ContextRefs) > 0 {
		req.ContextRefs = append([]string(nil), step.Hitl.ContextRefs...)
	}
	if kind == schema.HitlTypeApproval && rt.approvalTTL > 0 {
		expires := now.Add(rt.approvalTTL)
		req.ExpiresAt = &expires
	}

	action := schema.AuditActionApprovalRequested
	if kind == schema.HitlTypeException {
		action = schema.AuditActionExceptionQueued
	}

	// Audit before queueing, so a failed audit leaves no orphan request.
	if rt.audit != nil {
		meta := map[string]string{"request_id": req.RequestID, "summary": req.Summary}
		for k, v := range extra {
			if v != "" {
				meta[k] = v
			}
		}
		if _, err := rt.audit.AppendAudit(ctx, &schema.AuditLogEntry{
			AuditID:   rt.ids(),
			RunID:     run.RunID,
			Timestamp: now,
			Actor:     rt.requester,
			Action:    action,
			Target:    step.StepID,
			Status:    schema.AuditStatusSuccess,
			Metadata:  meta,
		}); err != nil {
			return nil, err
		}
	}

	var err error
	if kind == schema.HitlTypeException {
		err = rt.queue.EnqueueException(ctx, req)
	} else {
		err = rt.queue.EnqueueApproval(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}
