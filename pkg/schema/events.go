package schema

import "time"

// Trace actions recorded by the workflow runtime and the tool executor.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowSuspended = "workflow_suspended"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepSuspended = "step_suspended"
	EventStepReset     = "step_reset"

	EventHitlRequested = "hitl_requested"
	EventHitlDecided   = "hitl_decided"

	EventToolInvoked   = "tool_invoked"
	EventToolCompleted = "tool_completed"
	EventToolFailed    = "tool_failed"
)

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending     WorkflowStatus = "pending"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusWaitingHitl WorkflowStatus = "waiting_hitl"
	WorkflowStatusSuccess     WorkflowStatus = "success"
	WorkflowStatusFailure     WorkflowStatus = "failure"
	WorkflowStatusPartial     WorkflowStatus = "partial"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusSuccess || s == WorkflowStatusFailure || s == WorkflowStatusPartial
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusWaitingHitl StepStatus = "waiting_hitl"
	StepStatusSuccess     StepStatus = "success"
	StepStatusFailure     StepStatus = "failure"
	StepStatusSkipped     StepStatus = "skipped"
)

// IsTerminal reports whether the step will not run again without an explicit reset.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailure || s == StepStatusSkipped
}

// RunEventType is the lifecycle phase a RunEvent marks.
type RunEventType string

const (
	RunEventStart   RunEventType = "start"
	RunEventStep    RunEventType = "step"
	RunEventFinish  RunEventType = "finish"
	RunEventFailure RunEventType = "failure"
)

// RunEvent is a structured lifecycle event attached to tool results.
type RunEvent struct {
	EventID   string            `json:"event_id"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      RunEventType      `json:"type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TraceCategory groups trace events by the subsystem that emitted them.
type TraceCategory string

const (
	TraceCategoryWorkflow TraceCategory = "workflow"
	TraceCategoryAgent    TraceCategory = "agent"
	TraceCategoryTool     TraceCategory = "tool"
)

// TraceStatus marks the phase of a traced action.
type TraceStatus string

const (
	TraceStatusStart   TraceStatus = "start"
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusFailure TraceStatus = "failure"
)

// TraceEvent is one line of a run's trace log.
type TraceEvent struct {
	EventID   string            `json:"event_id"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Category  TraceCategory     `json:"category"`
	Action    string            `json:"action"`
	Status    TraceStatus       `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Sequence is assigned by stores that keep a per-run order.
	Sequence int64 `json:"sequence,omitempty"`
}
