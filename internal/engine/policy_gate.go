package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/steward/internal/policy"
	"github.com/rendis/steward/pkg/schema"
)

// PolicyGate checks a step's action against a governance level before the
// inner handler runs. A denied action fails the attempt with policy_denied;
// an allowed action whose level requires human review asks for approval
// before the first attempt.
type PolicyGate struct {
	enforcer *policy.Enforcer
	policy   *schema.GovernancePolicy
	level    schema.GovernanceLevel
	role     string
	inner    StepHandler
}

// NewPolicyGate wraps inner.
func NewPolicyGate(enforcer *policy.Enforcer, pol *schema.GovernancePolicy, level schema.GovernanceLevel, role string, inner StepHandler) *PolicyGate {
	return &PolicyGate{enforcer: enforcer, policy: pol, level: level, role: role, inner: inner}
}

// Guard wraps every handler in h with the same policy gate.
func Guard(h Handlers, enforcer *policy.Enforcer, pol *schema.GovernancePolicy, level schema.GovernanceLevel, role string) Handlers {
	out := make(Handlers, len(h))
	for action, inner := range h {
		out[action] = NewPolicyGate(enforcer, pol, level, role, inner)
	}
	return out
}

func (g *PolicyGate) request(step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) schema.PolicyEnforcementRequest {
	actor := run.Actor
	if actor == "" {
		actor = string(run.Source)
	}
	if actor == "" {
		actor = DefaultRequester
	}
	meta := map[string]string{"run_id": run.RunID, "step_id": step.StepID}
	if attempt > 0 {
		meta["attempt"] = strconv.Itoa(attempt)
	}
	return schema.PolicyEnforcementRequest{
		Policy:   g.policy,
		Level:    g.level,
		Actor:    actor,
		Role:     g.role,
		Action:   step.Action,
		Resource: run.RunID + "/" + step.StepID,
		Metadata: meta,
	}
}

// RequiresApproval evaluates the action without writing an audit record.
// The audited decision is made when the step actually runs.
func (g *PolicyGate) RequiresApproval(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord) (string, bool, error) {
	decision := g.enforcer.Evaluate(g.request(step, run, 0))
	if decision.Allowed && decision.RequiresHumanReview {
		return fmt.Sprintf("Level %s requires human review for %s", g.level, step.Action), true, nil
	}
	if inner, ok := g.inner.(ApprovalGate); ok {
		return inner.RequiresApproval(ctx, step, run)
	}
	return "", false, nil
}

func (g *PolicyGate) Handle(ctx context.Context, step *schema.WorkflowStepDefinition, run *schema.RunRecord, attempt int) (schema.StepOutcome, error) {
	decision, _, err := g.enforcer.Enforce(ctx, g.request(step, run, attempt))
	if err != nil {
		return schema.StepOutcome{}, err
	}
	if !decision.Allowed {
		return schema.Failed(schema.InvocationPolicyDenied + ": " + strings.Join(decision.Violations, "; ")), nil
	}
	return g.inner.Handle(ctx, step, run, attempt)
}

var (
	_ StepHandler  = (*PolicyGate)(nil)
	_ ApprovalGate = (*PolicyGate)(nil)
)
