package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/steward/pkg/schema"
)

// StepHandler performs one attempt of a workflow step. An expected failure
// is reported as a failure outcome; a returned error or a panic is treated
// as a handler exception.
type StepHandler interface {
	Handle(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (schema.StepOutcome, error)
}

// StepFunc adapts a function to StepHandler.
type StepFunc func(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (schema.StepOutcome, error)

func (f StepFunc) Handle(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (schema.StepOutcome, error) {
	return f(ctx, step, run, attempt)
}

// ApprovalGate is implemented by handlers that may need a human approval
// before their first attempt. The runtime asks once per step; after the
// approval is granted the handler runs without asking again.
type ApprovalGate interface {
	RequiresApproval(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord) (summary string, required bool, err error)
}

// Handlers maps step actions to their handlers.
type Handlers map[string]StepHandler

// Has reports whether action has a handler. It lets Handlers serve as a
// validation.ActionLookup.
func (h Handlers) Has(action string) bool {
	_, ok := h[action]
	return ok
}

// Lookup returns the handler for action.
func (h Handlers) Lookup(action string) (StepHandler, error) {
	handler, ok := h[action]
	if !ok || handler == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingHandler, "No handler registered for %s", action)
	}
	return handler, nil
}

// Actions returns the registered action names, sorted.
func (h Handlers) Actions() []string {
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// invokeStep runs one attempt, converting panics and returned errors into
// failure outcomes.
func invokeStep(ctx context.Context, h StepHandler, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (outcome schema.StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = schema.Failed(fmt.Sprintf("%s: panic: %v", schema.InvocationHandlerException, r))
			err = nil
		}
	}()

	outcome, err = h.Handle(ctx, step, run, attempt)
	if err != nil {
		return schema.Failed(fmt.Sprintf("%s: %s", schema.InvocationHandlerException, err.Error())), err
	}
	switch outcome.Status {
	case schema.OutcomeSuccess:
		if outcome.Outputs == nil {
			outcome.Outputs = []string{}
		}
	case schema.OutcomeFailure:
		if outcome.Error == "" {
			outcome.Error = defaultStepError
		}
	default:
		return schema.Failed(fmt.Sprintf("%s: unknown outcome status %q", schema.InvocationHandlerException, outcome.Status)), nil
	}
	return outcome, nil
}

const defaultStepError = "Workflow step failed."
