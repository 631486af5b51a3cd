package toolruntime

import (
	"context"
	"fmt"

	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/pkg/schema"
)

// InputBuilder derives a tool input from the step being executed.
type InputBuilder func(step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (map[string]any, error)

// StaticInput returns a builder that always yields a copy of input.
func StaticInput(input map[string]any) InputBuilder {
	return func(*schema.WorkflowStepDefinition, *schema.RunRecord, int) (map[string]any, error) {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}
}

// StepAdapter runs a tool as a workflow step. Each attempt is one
// invocation; a tool failure becomes a step failure so the runtime's retry
// and on_failure routing apply.
type StepAdapter struct {
	exec       *Executor
	toolID     string
	build      InputBuilder
	requestIDs ids.Generator
	clock      ids.Clock
}

// StepHandler adapts toolID on exec into an engine.StepHandler.
func StepHandler(exec *Executor, toolID string, build InputBuilder) *StepAdapter {
	if build == nil {
		build = StaticInput(nil)
	}
	return &StepAdapter{
		exec:       exec,
		toolID:     toolID,
		build:      build,
		requestIDs: ids.UUID,
		clock:      exec.clock,
	}
}

// WithRequestIDs overrides the invocation request id generator.
func (a *StepAdapter) WithRequestIDs(g ids.Generator) *StepAdapter {
	a.requestIDs = g.OrDefault()
	return a
}

func (a *StepAdapter) Handle(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (schema.StepOutcome, error) {
	input, err := a.build(step, run, attempt)
	if err != nil {
		return schema.Failed(fmt.Sprintf("build input for %s: %s", a.toolID, err.Error())), nil
	}
	if input == nil {
		input = map[string]any{}
	}

	caller := run.Actor
	if caller == "" {
		caller = string(run.Source)
	}
	req := schema.ToolInvocationRequest{
		RequestID:   a.requestIDs(),
		RunID:       run.RunID,
		ToolID:      a.toolID,
		RequestedAt: a.clock(),
		Caller:      caller,
		Input:       input,
		Trace:       run.Trace,
	}

	res, err := a.exec.Execute(ctx, req)
	if err != nil {
		return schema.StepOutcome{}, err
	}
	if res.Status != schema.OutcomeSuccess {
		msg := "tool reported failure"
		if res.Error != nil {
			msg = res.Error.Code + ": " + res.Error.Message
		}
		return schema.Failed(msg), nil
	}
	return schema.Succeeded(OutputRef(res)), nil
}

// RequiresApproval asks for a human decision before the first attempt of a
// tool that declares requires_hitl. Unknown tools are left to Handle.
func (a *StepAdapter) RequiresApproval(_ context.Context, _ *schema.WorkflowStepDefinition, _ *schema.RunRecord) (string, bool, error) {
	tool, ok := a.exec.Manifest().Tool(a.toolID)
	if !ok || !tool.Governance.RequiresHitl {
		return "", false, nil
	}
	return fmt.Sprintf("Tool %s (%s) requires human approval", tool.ToolID, tool.Governance.Level), true, nil
}

// OutputRef names a tool result in a step's outputs.
func OutputRef(res *schema.ToolInvocationResult) string {
	return fmt.Sprintf("tool://%s/%s", res.ToolID, res.RequestID)
}

var (
	_ engine.StepHandler  = (*StepAdapter)(nil)
	_ engine.ApprovalGate = (*StepAdapter)(nil)
)
