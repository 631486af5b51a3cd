package hitl

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rendis/steward/pkg/schema"
)

// celFilter evaluates boolean CEL expressions over request fields.
// Compiled programs are cached and reused across goroutines.
type celFilter struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// The environment exposes the request's fields as top-level variables:
//   - request_id, kind, status, run_id, step_id, playbook_id, requester, summary: string
//   - context_refs: list(string)
//   - requested_at: timestamp
//   - expires_at: timestamp (zero time when unset)
//   - decided_by: string (empty while pending)
func newCELFilter() (*celFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("request_id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("run_id", cel.StringType),
		cel.Variable("step_id", cel.StringType),
		cel.Variable("playbook_id", cel.StringType),
		cel.Variable("requester", cel.StringType),
		cel.Variable("summary", cel.StringType),
		cel.Variable("context_refs", cel.ListType(cel.StringType)),
		cel.Variable("requested_at", cel.TimestampType),
		cel.Variable("expires_at", cel.TimestampType),
		cel.Variable("decided_by", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celFilter{env: env, cache: make(map[string]cel.Program)}, nil
}

func (f *celFilter) match(expression string, req *schema.HitlRequest) (bool, error) {
	prg, err := f.getOrCompile(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation(req))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter %q must evaluate to a bool, got %T", expression, out.Value())
	}
	return b, nil
}

func (f *celFilter) getOrCompile(expression string) (cel.Program, error) {
	f.mu.RLock()
	if prg, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if prg, ok := f.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter %q must evaluate to a bool, got %s", expression, ast.OutputType())
	}

	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).WithCause(err)
	}

	f.cache[expression] = prg
	return prg, nil
}

func activation(req *schema.HitlRequest) map[string]any {
	var expires time.Time
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	decidedBy := ""
	if req.Decision != nil {
		decidedBy = req.Decision.DecidedBy
	}
	refs := req.ContextRefs
	if refs == nil {
		refs = []string{}
	}
	return map[string]any{
		"request_id":   req.RequestID,
		"kind":         string(req.Kind),
		"status":       string(req.Status),
		"run_id":       req.RunID,
		"step_id":      req.StepID,
		"playbook_id":  req.PlaybookID,
		"requester":    req.Requester,
		"summary":      req.Summary,
		"context_refs": refs,
		"requested_at": req.RequestedAt,
		"expires_at":   expires,
		"decided_by":   decidedBy,
	}
}

// Filter returns the requests, approvals first, for which expression
// evaluates to true. An empty expression matches everything.
func (q *Queue) Filter(expression string) ([]*schema.HitlRequest, error) {
	all := q.All()
	if expression == "" {
		return all, nil
	}
	q.filterOnce.Do(func() {
		q.filter, q.filterErr = newCELFilter()
	})
	if q.filterErr != nil {
		return nil, q.filterErr
	}

	var out []*schema.HitlRequest
	for _, req := range all {
		ok, err := q.filter.match(expression, req)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, req)
		}
	}
	return out, nil
}
