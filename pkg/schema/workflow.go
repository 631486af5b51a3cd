package schema

import "time"

// WorkflowDefinition is the ordered list of steps a run walks through.
// It is supplied by the caller and never mutated by the engine.
type WorkflowDefinition struct {
	WorkflowID  string                   `json:"workflow_id" yaml:"workflow_id"`
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string                   `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []WorkflowStepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the definition with the given id.
func (d *WorkflowDefinition) Step(stepID string) (*WorkflowStepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepID == stepID {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// FailureMode routes a step whose attempts are exhausted.
type FailureMode string

const (
	FailureModeHalt           FailureMode = "halt"
	FailureModeContinue       FailureMode = "continue"
	FailureModeQueueException FailureMode = "queue-exception"
)

// WorkflowStepDefinition describes a single step in a workflow.
type WorkflowStepDefinition struct {
	StepID    string      `json:"step_id" yaml:"step_id"`
	Name      string      `json:"name" yaml:"name"`
	Action    string      `json:"action" yaml:"action"` // handler key
	Retry     *StepRetry  `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnFailure FailureMode `json:"on_failure,omitempty" yaml:"on_failure,omitempty"` // halt (default) | continue | queue-exception
	Hitl      *StepHitl   `json:"hitl,omitempty" yaml:"hitl,omitempty"`
}

// MaxAttempts returns max(retry.max_attempts, 1).
func (s *WorkflowStepDefinition) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// RetryDelay returns the pause between attempts, zero when unset.
func (s *WorkflowStepDefinition) RetryDelay() time.Duration {
	if s.Retry == nil || s.Retry.DelayMS <= 0 {
		return 0
	}
	return time.Duration(s.Retry.DelayMS) * time.Millisecond
}

// StepRetry configures retry behavior for a step.
type StepRetry struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	DelayMS     int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// HitlType selects which queue a step's human checkpoint goes to.
type HitlType string

const (
	HitlTypeApproval  HitlType = "approval"
	HitlTypeException HitlType = "exception"
)

// StepHitl declares a human-in-the-loop checkpoint on a step.
type StepHitl struct {
	Type        HitlType `json:"type" yaml:"type"`
	Summary     string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	ContextRefs []string `json:"context_refs,omitempty" yaml:"context_refs,omitempty"`
}

// OutcomeStatus is what a step handler reports for one attempt.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// StepOutcome is the result of one handler attempt.
type StepOutcome struct {
	Status  OutcomeStatus `json:"status"`
	Outputs []string      `json:"outputs,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(outputs ...string) StepOutcome {
	return StepOutcome{Status: OutcomeSuccess, Outputs: outputs}
}

// Failed builds a failure outcome.
func Failed(msg string) StepOutcome {
	return StepOutcome{Status: OutcomeFailure, Error: msg}
}

// WorkflowRunRecord is the persisted progress of a workflow inside a run.
type WorkflowRunRecord struct {
	WorkflowID  string               `json:"workflow_id"`
	Status      WorkflowStatus       `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Steps       []WorkflowStepRecord `json:"steps"`
}

// Step returns a pointer to the record for stepID.
func (w *WorkflowRunRecord) Step(stepID string) (*WorkflowStepRecord, bool) {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (w *WorkflowRunRecord) Clone() *WorkflowRunRecord {
	out := *w
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = make([]WorkflowStepRecord, len(w.Steps))
	for i, s := range w.Steps {
		out.Steps[i] = s.clone()
	}
	return &out
}

// WorkflowStepRecord is the persisted progress of one step.
type WorkflowStepRecord struct {
	StepID        string     `json:"step_id"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Outputs       []string   `json:"outputs,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	HitlRequestID string     `json:"hitl_request_id,omitempty"`
}

func (s WorkflowStepRecord) clone() WorkflowStepRecord {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Outputs = append([]string(nil), s.Outputs...)
	return out
}
