package engine

import (
	"slices"

	"github.com/rendis/steward/pkg/schema"
)

// ValidStepTransitions defines the allowed step transitions outside the
// runtime's own walk. A step waiting on a human can move anywhere; a
// terminal step can only be reset to pending.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning: {
		schema.StepStatusPending, schema.StepStatusWaitingHitl, schema.StepStatusSuccess,
		schema.StepStatusFailure, schema.StepStatusSkipped,
	},
	schema.StepStatusWaitingHitl: {
		schema.StepStatusPending, schema.StepStatusRunning, schema.StepStatusSuccess,
		schema.StepStatusFailure, schema.StepStatusSkipped,
	},
	schema.StepStatusSuccess: {schema.StepStatusPending},
	schema.StepStatusFailure: {schema.StepStatusPending},
	schema.StepStatusSkipped: {schema.StepStatusPending},
}

// ValidWorkflowTransitions defines the allowed workflow transitions. A
// finished workflow only reopens to pending, when one of its steps is reset;
// Run never restarts it directly.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusWaitingHitl, schema.WorkflowStatusSuccess,
		schema.WorkflowStatusFailure, schema.WorkflowStatusPartial,
	},
	schema.WorkflowStatusWaitingHitl: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusSuccess:     {schema.WorkflowStatusPending},
	schema.WorkflowStatusFailure:     {schema.WorkflowStatusPending},
	schema.WorkflowStatusPartial:     {schema.WorkflowStatusPending},
}

// CheckStepTransition returns INVALID_TRANSITION when from -> to is not
// allowed. Staying in the same status is always allowed.
func CheckStepTransition(stepID string, from, to schema.StepStatus) error {
	if from == to || slices.Contains(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// CheckWorkflowTransition returns INVALID_TRANSITION when from -> to is not
// allowed.
func CheckWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if from == to || slices.Contains(ValidWorkflowTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
}

// reopenWorkflow moves a finished workflow back to pending so the next Run
// walks it again. It reports whether the workflow was finished.
func reopenWorkflow(wf *schema.WorkflowRunRecord) bool {
	if !wf.Status.IsTerminal() {
		return false
	}
	wf.Status = schema.WorkflowStatusPending
	wf.CompletedAt = nil
	return true
}

// RunStatusFor maps a workflow status onto the coarse run status.
func RunStatusFor(s schema.WorkflowStatus) schema.RunStatus {
	switch s {
	case schema.WorkflowStatusSuccess:
		return schema.RunStatusSuccess
	case schema.WorkflowStatusFailure:
		return schema.RunStatusFailure
	default:
		return schema.RunStatusPartial
	}
}

func workflowEventAction(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusSuccess, schema.WorkflowStatusPartial:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailure:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusWaitingHitl:
		return schema.EventWorkflowSuspended
	default:
		return ""
	}
}

func stepEventAction(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSuccess:
		return schema.EventStepCompleted
	case schema.StepStatusFailure:
		return schema.EventStepFailed
	case schema.StepStatusWaitingHitl:
		return schema.EventStepSuspended
	default:
		return schema.EventStepReset
	}
}

func traceStatusFor(action string) schema.TraceStatus {
	switch action {
	case schema.EventWorkflowStarted, schema.EventStepStarted, schema.EventHitlRequested:
		return schema.TraceStatusStart
	case schema.EventWorkflowFailed, schema.EventStepFailed, schema.EventStepRetrying:
		return schema.TraceStatusFailure
	default:
		return schema.TraceStatusSuccess
	}
}
