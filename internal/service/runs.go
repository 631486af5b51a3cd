package service

import (
	"context"
	"log/slog"
	"maps"
	"sort"

	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/toolruntime"
	"github.com/rendis/steward/pkg/schema"
)

// RunRequest starts or continues a run of a registered workflow.
type RunRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	// RunID continues an existing run; empty creates a new one.
	RunID   string `json:"run_id,omitempty"`
	Actor   string `json:"actor" validate:"required"`
	Role    string `json:"role,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	// Level pins every step to one governance level. Empty uses the level
	// each tool declares.
	Level schema.GovernanceLevel `json:"level,omitempty"`
	// Inputs holds the tool input of each step, keyed by step id.
	Inputs map[string]map[string]any `json:"inputs,omitempty"`
}

// runContext is what a run needs again when it resumes in this process.
type runContext struct {
	role   string
	level  schema.GovernanceLevel
	inputs map[string]map[string]any
}

// Run starts or continues a run and returns where the walk stopped.
func (s *Service) Run(ctx context.Context, req RunRequest) (*engine.Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid run request: %s", err.Error()).WithCause(err)
	}
	if req.Level != "" {
		if _, ok := s.policy.Level(req.Level); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "level %s is not defined by policy %s", req.Level, s.policy.PolicyID)
		}
	}
	def, err := s.Workflow(req.WorkflowID)
	if err != nil {
		return nil, err
	}

	run, err := s.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if run.Workflow != nil && run.Workflow.WorkflowID != def.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s belongs to workflow %s, not %s", run.RunID, run.Workflow.WorkflowID, def.WorkflowID)
	}

	rc := s.remember(run.RunID, req)
	return s.dispatch(ctx, def, s.handlers(rc), run)
}

func (s *Service) loadOrCreate(ctx context.Context, req RunRequest) (*schema.RunRecord, error) {
	if req.RunID != "" {
		run, err := s.stores.runs.Load(ctx, req.RunID)
		if err == nil {
			return run, nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = s.ids()
	}
	inputs := make([]string, 0, len(req.Inputs))
	for _, stepID := range sortedKeys(req.Inputs) {
		inputs = append(inputs, "input://"+stepID)
	}
	return &schema.RunRecord{
		RunID:     runID,
		Timestamp: s.clock(),
		Source:    schema.RunSourceGovernedExecution,
		Actor:     req.Actor,
		Purpose:   req.Purpose,
		Inputs:    inputs,
		Outputs:   []string{},
		Status:    schema.RunStatusPartial,
	}, nil
}

// remember merges req into the run's context. Inputs given later replace
// earlier ones step by step.
func (s *Service) remember(runID string, req RunRequest) runContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.contexts[runID]
	if !ok {
		rc = runContext{role: DefaultRole, inputs: map[string]map[string]any{}}
	}
	if req.Role != "" {
		rc.role = req.Role
	}
	if req.Level != "" {
		rc.level = req.Level
	}
	rc.inputs = maps.Clone(rc.inputs)
	maps.Copy(rc.inputs, req.Inputs)
	s.contexts[runID] = rc
	return rc
}

// SetRunInputs supplies step inputs for a run this process did not start,
// so a decision resumed here can hand them to the remaining steps.
func (s *Service) SetRunInputs(runID string, inputs map[string]map[string]any) {
	s.remember(runID, RunRequest{Inputs: inputs})
}

func (s *Service) runContext(runID string) runContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rc, ok := s.contexts[runID]; ok {
		return rc
	}
	return runContext{role: DefaultRole}
}

// handlers gates every manifest tool with the policy at the run's level,
// or at the tool's own level when the run does not pin one.
func (s *Service) handlers(rc runContext) engine.Handlers {
	inputs := func(step *schema.WorkflowStepDefinition, _ *schema.RunRecord, _ int) (map[string]any, error) {
		return maps.Clone(rc.inputs[step.StepID]), nil
	}
	tools := s.executor.Manifest().Tools
	out := make(engine.Handlers, len(tools))
	for _, tool := range tools {
		level := rc.level
		if level == "" {
			level = tool.Governance.Level
		}
		inner := toolruntime.StepHandler(s.executor, tool.ToolID, inputs).WithRequestIDs(s.ids)
		out[tool.ToolID] = engine.NewPolicyGate(s.enforcer, s.policy, level, rc.role, inner)
	}
	return out
}

type dispatched struct {
	res *engine.Result
	err error
}

// dispatch runs the walk on the bounded dispatcher and waits for it.
func (s *Service) dispatch(ctx context.Context, def *schema.WorkflowDefinition, handlers engine.Handlers, run *schema.RunRecord) (*engine.Result, error) {
	done := make(chan dispatched, 1)
	err := s.dispatcher.Submit(ctx, engine.Job{
		Definition: def,
		Handlers:   handlers,
		Run:        run,
		Done:       func(res *engine.Result, err error) { done <- dispatched{res, err} },
	})
	if err != nil {
		return nil, err
	}
	select {
	case d := <-done:
		return d.res, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunStatus is a run with its trace and the HITL requests raised for it.
type RunStatus struct {
	Run      *schema.RunRecord     `json:"run"`
	Summary  schema.RunSummary     `json:"summary"`
	Trace    []*schema.TraceEvent  `json:"trace"`
	Requests []*schema.HitlRequest `json:"requests"`
}

// Status loads a run and everything recorded about it.
func (s *Service) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := s.stores.runs.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.stores.traces.ListTrace(ctx, runID)
	if err != nil {
		return nil, err
	}
	var reqs []*schema.HitlRequest
	for _, req := range s.queue.All() {
		if req.RunID == runID {
			reqs = append(reqs, req)
		}
	}
	return &RunStatus{Run: run, Summary: store.BuildRunSummary(run), Trace: events, Requests: reqs}, nil
}

// ListRuns summarizes stored runs, newest first. status filters when set;
// limit caps the result when positive.
func (s *Service) ListRuns(ctx context.Context, status schema.RunStatus, limit int) ([]schema.RunSummary, error) {
	if s.stores.sql != nil {
		return s.stores.sql.ListRuns(ctx, status, limit)
	}
	runIDs, err := s.stores.runs.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.RunSummary, 0, len(runIDs))
	for _, id := range runIDs {
		run, err := s.stores.runs.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, store.BuildRunSummary(run))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListQueue returns the HITL requests matching a CEL expression over the
// request fields. An empty expression lists everything.
func (s *Service) ListQueue(expression string) ([]*schema.HitlRequest, error) {
	if expression == "" {
		expression = s.cfg.Hitl.Filter
	}
	return s.queue.Filter(expression)
}

// DecideResult reports a decision and, when the run moved, where it stopped.
type DecideResult struct {
	Request *schema.HitlRequest        `json:"request"`
	Step    *schema.WorkflowStepRecord `json:"step,omitempty"`
	Result  *engine.Result             `json:"result,omitempty"`
}

// Decide applies a reviewer signal, hands the decision to the waiting step
// and resumes the run. An escalation only records the signal.
func (s *Service) Decide(ctx context.Context, sig schema.ReviewSignal) (*DecideResult, error) {
	req, err := s.queue.Decide(ctx, sig)
	if err != nil {
		return nil, err
	}
	if req.Status == schema.HitlStatusPending {
		return &DecideResult{Request: req}, nil
	}
	return s.resume(ctx, req)
}

func (s *Service) resume(ctx context.Context, req *schema.HitlRequest) (*DecideResult, error) {
	run, err := s.stores.runs.Load(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Workflow == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingWorkflow, "run %s has no workflow state", run.RunID)
	}
	def, err := s.Workflow(run.Workflow.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, err := s.runtime.ResolveDecision(ctx, run, req)
	if err != nil {
		return nil, err
	}
	res, err := s.dispatch(ctx, def, s.handlers(s.runContext(run.RunID)), run)
	if err != nil {
		return nil, err
	}
	return &DecideResult{Request: req, Step: step, Result: res}, nil
}

// resolveExpired feeds an approval the sweeper expired back into its run.
func (s *Service) resolveExpired(ctx context.Context, req *schema.HitlRequest) {
	ctx = logging.WithRequestID(logging.WithRunID(ctx, req.RunID), req.RequestID)
	logger := logging.LogWith(ctx, s.logger)
	res, err := s.resume(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "resolve expired approval", slog.String("error", err.Error()))
		return
	}
	if res.Result != nil {
		logger.InfoContext(ctx, "expired approval resolved", slog.String("workflow_status", string(res.Result.Status)))
	}
}

// EvaluateRequest asks whether actor may perform action at level.
type EvaluateRequest struct {
	Level    schema.GovernanceLevel `json:"level"`
	Actor    string                 `json:"actor"`
	Role     string                 `json:"role"`
	Action   string                 `json:"action"`
	Resource string                 `json:"resource,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// Evaluation is an audited policy decision.
type Evaluation struct {
	Decision schema.PolicyDecision `json:"decision"`
	Audit    string                `json:"audit"`
}

// Evaluate decides req against the loaded policy and audits the decision.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*Evaluation, error) {
	role := req.Role
	if role == "" {
		role = DefaultRole
	}
	decision, loc, err := s.enforcer.Enforce(ctx, schema.PolicyEnforcementRequest{
		Policy:   s.policy,
		Level:    req.Level,
		Actor:    req.Actor,
		Role:     role,
		Action:   req.Action,
		Resource: req.Resource,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &Evaluation{Decision: decision, Audit: loc}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
