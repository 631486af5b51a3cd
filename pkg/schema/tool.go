package schema

import "time"

// ToolManifest declares the tools available to the executor.
type ToolManifest struct {
	ManifestID string           `json:"manifest_id" yaml:"manifest_id"`
	Name       string           `json:"name" yaml:"name"`
	Version    string           `json:"version" yaml:"version"`
	Owner      string           `json:"owner" yaml:"owner"`
	CreatedAt  string           `json:"created_at" yaml:"created_at"`
	UpdatedAt  string           `json:"updated_at" yaml:"updated_at"`
	Tools      []ToolDefinition `json:"tools" yaml:"tools"`
}

// Tool returns the definition with the given id.
func (m *ToolManifest) Tool(toolID string) (*ToolDefinition, bool) {
	for i := range m.Tools {
		if m.Tools[i].ToolID == toolID {
			return &m.Tools[i], true
		}
	}
	return nil, false
}

// Execution lanes a tool may declare.
const (
	LanePython  = "python"
	LaneProcess = "process"
	LaneInline  = "inline"
)

// ToolDefinition is a single tool entry in a manifest.
type ToolDefinition struct {
	ToolID        string           `json:"tool_id" yaml:"tool_id"`
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description" yaml:"description"`
	Version       string           `json:"version" yaml:"version"`
	ExecutionLane string           `json:"execution_lane" yaml:"execution_lane"`
	Contract      ToolContract     `json:"contract" yaml:"contract"`
	Governance    ToolGovernance   `json:"governance" yaml:"governance"`
	Constraints   *ToolConstraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	PolicyRefs    []string         `json:"policy_refs,omitempty" yaml:"policy_refs,omitempty"`
}

// IsUnsafe reports whether the tool must run under a sandbox: any level
// above A0, a HITL requirement, or declared policy references.
func (t *ToolDefinition) IsUnsafe() bool {
	return t.Governance.Level != LevelA0 || t.Governance.RequiresHitl || len(t.PolicyRefs) > 0
}

// ToolContract holds the payload schemas for a tool. Each schema is a raw
// JSON-schema-like document.
type ToolContract struct {
	RequestSchema  map[string]any `json:"request_schema" yaml:"request_schema"`
	ResponseSchema map[string]any `json:"response_schema" yaml:"response_schema"`
	ErrorSchema    map[string]any `json:"error_schema,omitempty" yaml:"error_schema,omitempty"`
}

// ToolGovernance declares the governance requirements of a tool.
type ToolGovernance struct {
	Level              GovernanceLevel `json:"level" yaml:"level"`
	RequiresHitl       bool            `json:"requires_hitl" yaml:"requires_hitl"`
	RequiresRunLogging bool            `json:"requires_run_logging" yaml:"requires_run_logging"`
}

// ToolConstraints bounds a tool's execution.
type ToolConstraints struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ToolInvocationRequest asks the executor to run one tool.
type ToolInvocationRequest struct {
	RequestID   string         `json:"request_id" validate:"required"`
	RunID       string         `json:"run_id" validate:"required"`
	ToolID      string         `json:"tool_id" validate:"required"`
	RequestedAt time.Time      `json:"requested_at"`
	Caller      string         `json:"caller" validate:"required"`
	Input       map[string]any `json:"input"`
	Trace       RunTrace       `json:"trace"`
}

// ToolInvocationError is the structured error carried in a result.
type ToolInvocationError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ToolInvocationResult is the uniform result shape for every outcome path.
type ToolInvocationResult struct {
	RequestID   string               `json:"request_id"`
	RunID       string               `json:"run_id"`
	ToolID      string               `json:"tool_id"`
	ToolVersion string               `json:"tool_version"`
	Status      OutcomeStatus        `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Output      map[string]any       `json:"output"`
	Error       *ToolInvocationError `json:"error,omitempty"`
	Trace       RunTrace             `json:"trace"`
	Sandbox     *ExecutionSandbox    `json:"sandbox,omitempty"`
	RunEvents   []RunEvent           `json:"run_events"`
}

// LaneRequest is the payload written to an out-of-process execution lane.
type LaneRequest struct {
	RequestID      string         `json:"request_id"`
	RunID          string         `json:"run_id"`
	ToolID         string         `json:"tool_id"`
	ToolVersion    string         `json:"tool_version"`
	RequestedAt    time.Time      `json:"requested_at"`
	Caller         string         `json:"caller"`
	Input          map[string]any `json:"input"`
	Governance     ToolGovernance `json:"governance"`
	Trace          RunTrace       `json:"trace"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// LaneResponse is what an execution lane writes back.
type LaneResponse struct {
	RequestID   string               `json:"request_id"`
	RunID       string               `json:"run_id"`
	ToolID      string               `json:"tool_id"`
	ToolVersion string               `json:"tool_version"`
	Status      OutcomeStatus        `json:"status"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  string               `json:"finished_at"`
	Output      map[string]any       `json:"output"`
	Error       *ToolInvocationError `json:"error,omitempty"`
	Trace       RunTrace             `json:"trace"`
}
