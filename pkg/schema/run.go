package schema

import "time"

// RunSource identifies which plane created a run.
type RunSource string

const (
	RunSourceControlPlane      RunSource = "control-plane"
	RunSourceGovernedExecution RunSource = "governed-execution"
)

// RunStatus is the coarse outcome of a run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	RunStatusPartial RunStatus = "partial"
)

// RunTrace correlates a run's events for observability.
type RunTrace struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// RunRecord is one logical execution instance, optionally carrying embedded
// workflow progress. It is owned by the caller and persisted by a RunStore.
type RunRecord struct {
	RunID     string             `json:"run_id"`
	Timestamp time.Time          `json:"timestamp"`
	Source    RunSource          `json:"source"`
	Actor     string             `json:"actor"`
	Purpose   string             `json:"purpose"`
	Inputs    []string           `json:"inputs"`
	Outputs   []string           `json:"outputs"`
	Status    RunStatus          `json:"status"`
	Trace     RunTrace           `json:"trace"`
	Workflow  *WorkflowRunRecord `json:"workflow,omitempty"`
}

// Clone returns a deep copy of the run record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Inputs = append([]string(nil), r.Inputs...)
	out.Outputs = append([]string(nil), r.Outputs...)
	if r.Workflow != nil {
		out.Workflow = r.Workflow.Clone()
	}
	return &out
}

// RunSummary is the list-view projection of a run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    RunSource `json:"source"`
	Actor     string    `json:"actor"`
	Purpose   string    `json:"purpose"`
	Status    RunStatus `json:"status"`
	TraceID   string    `json:"trace_id"`
}

// Summary projects the run into a RunSummary.
func (r *RunRecord) Summary() RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		Timestamp: r.Timestamp,
		Source:    r.Source,
		Actor:     r.Actor,
		Purpose:   r.Purpose,
		Status:    r.Status,
		TraceID:   r.Trace.TraceID,
	}
}
