// Package policy evaluates governance policies and records every decision.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
)

// AuditWriter is the append-only sink for policy decisions. It returns the
// location (path or key) of the written record.
type AuditWriter interface {
	AppendPolicyAudit(ctx context.Context, rec *schema.PolicyAuditRecord) (string, error)
}

// Evaluate computes a decision for req. It has no side effects.
func Evaluate(req schema.PolicyEnforcementRequest, decidedAt time.Time) schema.PolicyDecision {
	var levelPolicy *schema.GovernanceLevelPolicy
	if req.Policy != nil {
		levelPolicy, _ = req.Policy.Level(req.Level)
	}

	if levelPolicy == nil {
		return schema.PolicyDecision{
			Allowed:             false,
			Level:               req.Level,
			RequiresHumanReview: true,
			RequiresRunLogging:  true,
			RestrictedData:      []string{},
			Violations:          []string{fmt.Sprintf("Missing policy level %s", req.Level)},
			DecidedAt:           decidedAt,
		}
	}

	violations := []string{}
	if !slices.Contains(levelPolicy.AllowedActions, req.Action) {
		violations = append(violations, fmt.Sprintf("Action %s is not allowed for level %s", req.Action, req.Level))
	}

	restricted := append([]string{}, levelPolicy.RestrictedData...)
	return schema.PolicyDecision{
		Allowed:             len(violations) == 0,
		Level:               req.Level,
		RequiresHumanReview: levelPolicy.RequiresHumanReview,
		RequiresRunLogging:  levelPolicy.RequiresRunLogging,
		RestrictedData:      restricted,
		Violations:          violations,
		DecidedAt:           decidedAt,
	}
}

// NextLevel returns the level that follows current on the policy's
// escalation path.
func NextLevel(policy *schema.GovernancePolicy, current schema.GovernanceLevel) (schema.GovernanceLevel, bool) {
	if policy == nil {
		return "", false
	}
	idx := slices.Index(policy.EscalationPath, current)
	if idx < 0 || idx+1 >= len(policy.EscalationPath) {
		return "", false
	}
	return policy.EscalationPath[idx+1], true
}

// Enforcer evaluates requests and writes an audit record for every decision.
type Enforcer struct {
	audit    AuditWriter
	newID    ids.Generator
	clock    ids.Clock
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithIDs overrides the audit id generator.
func WithIDs(g ids.Generator) Option {
	return func(e *Enforcer) { e.newID = g }
}

// WithClock overrides the decision clock.
func WithClock(c ids.Clock) Option {
	return func(e *Enforcer) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an Enforcer writing to audit.
func NewEnforcer(audit AuditWriter, opts ...Option) *Enforcer {
	e := &Enforcer{
		audit:    audit,
		newID:    ids.UUID,
		clock:    ids.Now,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate is the pure decision using the enforcer's clock.
func (e *Enforcer) Evaluate(req schema.PolicyEnforcementRequest) schema.PolicyDecision {
	return Evaluate(req, e.clock())
}

// WritePolicyAudit persists an audit record for decision regardless of
// whether it allowed the action.
func (e *Enforcer) WritePolicyAudit(ctx context.Context, decision schema.PolicyDecision, req schema.PolicyEnforcementRequest) (string, error) {
	rec := &schema.PolicyAuditRecord{
		AuditID:    e.newID(),
		Level:      req.Level,
		Actor:      req.Actor,
		Role:       req.Role,
		Action:     req.Action,
		Resource:   req.Resource,
		Allowed:    decision.Allowed,
		Violations: append([]string{}, decision.Violations...),
		DecidedAt:  decision.DecidedAt,
		Metadata:   req.Metadata,
	}
	if req.Policy != nil {
		rec.PolicyID = req.Policy.PolicyID
	}

	loc, err := e.audit.AppendPolicyAudit(ctx, rec)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "write policy audit %s: %s", rec.AuditID, err.Error()).WithCause(err)
	}
	return loc, nil
}

// Enforce validates req, evaluates it and writes the audit record.
func (e *Enforcer) Enforce(ctx context.Context, req schema.PolicyEnforcementRequest) (schema.PolicyDecision, string, error) {
	if err := e.validate.Struct(req); err != nil {
		return schema.PolicyDecision{}, "", schema.NewErrorf(schema.ErrCodeValidation, "invalid policy request: %s", err.Error()).WithCause(err)
	}

	decision := e.Evaluate(req)
	loc, err := e.WritePolicyAudit(ctx, decision, req)
	if err != nil {
		return decision, "", err
	}

	level := slog.LevelDebug
	if !decision.Allowed {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "policy decision",
		slog.String("policy_id", req.Policy.PolicyID),
		slog.String("level", string(req.Level)),
		slog.String("actor", req.Actor),
		slog.String("action", req.Action),
		slog.Bool("allowed", decision.Allowed),
		slog.String("audit", loc),
	)
	return decision, loc, nil
}

// LoadPolicy validates a policy document before use.
func LoadPolicy(p *schema.GovernancePolicy) (*schema.GovernancePolicy, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "governance policy is nil")
	}
	if err := validation.AssertGovernancePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}
