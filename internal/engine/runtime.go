// Package engine walks workflow definitions step by step, persisting every
// transition, routing failures and suspending on human checkpoints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rendis/steward/internal/hitl"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/rendis/steward/internal/engine"

// DefaultRequester is recorded on HITL requests when none is configured.
const DefaultRequester = "steward"

// Recorder receives the workflow trace events.
type Recorder interface {
	AppendTrace(ctx context.Context, event *schema.TraceEvent) error
}

// RuntimeConfig holds the runtime's collaborators. Store is required; the
// rest fall back to defaults. Without a Queue, steps that need a human
// decision fail with HITL_NOT_CONFIGURED.
type RuntimeConfig struct {
	Store      store.RunStore
	Queue      *hitl.Queue
	Requester  string
	PlaybookID string
	// Audit receives one entry per enqueued HITL request.
	Audit store.AuditSink
	// ApprovalTTL sets expires_at on approval requests when positive.
	ApprovalTTL time.Duration

	Clock ids.Clock
	// IDs generates HITL request and audit ids. Defaults to ids.UUID.
	IDs ids.Generator
	// EventIDs generates trace event ids. Defaults to ids.EventID.
	EventIDs ids.Generator
	Tracer   trace.Tracer
	Recorder Recorder
	Logger   *slog.Logger
}

// Runtime executes workflows against run records. Calls on the same run
// are serialized; distinct runs proceed in parallel.
type Runtime struct {
	store       store.RunStore
	queue       *hitl.Queue
	audit       store.AuditSink
	requester   string
	playbookID  string
	approvalTTL time.Duration

	clock    ids.Clock
	ids      ids.Generator
	eventIDs ids.Generator
	tracer   trace.Tracer
	recorder Recorder
	logger   *slog.Logger

	definitions *validation.WorkflowValidator
	locks       *runLocks
}

// Result reports where a Run call left the workflow.
type Result struct {
	Run      *schema.RunRecord         `json:"run"`
	Workflow *schema.WorkflowRunRecord `json:"workflow"`
	Status   schema.WorkflowStatus     `json:"status"`
	Location string                    `json:"location,omitempty"`
	// Request is the HITL request enqueued by this call, if any.
	Request *schema.HitlRequest `json:"request,omitempty"`
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runtime requires a run store")
	}
	rt := &Runtime{
		store:       cfg.Store,
		queue:       cfg.Queue,
		audit:       cfg.Audit,
		requester:   cfg.Requester,
		playbookID:  cfg.PlaybookID,
		approvalTTL: cfg.ApprovalTTL,
		clock:       cfg.Clock.OrDefault(),
		ids:         cfg.IDs.OrDefault(),
		eventIDs:    cfg.EventIDs,
		tracer:      cfg.Tracer,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		definitions: validation.NewWorkflowValidator(nil),
		locks:       newRunLocks(),
	}
	if rt.requester == "" {
		rt.requester = DefaultRequester
	}
	if rt.eventIDs == nil {
		rt.eventIDs = ids.EventID
	}
	if rt.tracer == nil {
		rt.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	return rt, nil
}

// Store returns the run store the runtime persists to.
func (rt *Runtime) Store() store.RunStore { return rt.store }

// Run walks def for run, starting or resuming where the run's workflow
// state left off. It returns when the workflow finishes, halts or suspends
// on a human checkpoint. run is mutated in place and persisted after every
// transition. Terminal outcomes are reported through the result, not as
// errors.
func (rt *Runtime) Run(ctx context.Context, def *schema.WorkflowDefinition, handlers Handlers, run *schema.RunRecord) (*Result, error) {
	if run == nil || run.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run record with a run_id is required")
	}
	if err := rt.definitions.ValidateDefinition(def); err != nil {
		return nil, err
	}

	unlock := rt.locks.lock(run.RunID)
	defer unlock()

	ctx = logging.WithRunID(ctx, run.RunID)
	ctx, span := rt.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("steward.run_id", run.RunID),
		attribute.String("steward.workflow_id", def.WorkflowID),
	))
	defer span.End()

	w := &walk{rt: rt, def: def, handlers: handlers, run: run, span: span}
	res, err := w.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("steward.workflow_status", string(res.Status)))
	return res, nil
}

// Resume loads runID from the store and runs def on it.
func (rt *Runtime) Resume(ctx context.Context, def *schema.WorkflowDefinition, handlers Handlers, runID string) (*Result, error) {
	run, err := rt.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rt.Run(ctx, def, handlers, run)
}

// UpdateStepStatus forces a step into status, typically after a human
// decision, and persists the run. A terminal step can only be reset to
// pending; a reset clears its attempts so the next Run starts it afresh.
func (rt *Runtime) UpdateStepStatus(ctx context.Context, run *schema.RunRecord, stepID string, status schema.StepStatus) (*schema.WorkflowStepRecord, error) {
	return rt.updateStep(ctx, run, stepID, status, "")
}

func (rt *Runtime) updateStep(ctx context.Context, run *schema.RunRecord, stepID string, status schema.StepStatus, note string) (*schema.WorkflowStepRecord, error) {
	if run == nil || run.Workflow == nil {
		return nil, schema.NewError(schema.ErrCodeMissingWorkflow, "Run record is missing workflow state.")
	}
	unlock := rt.locks.lock(run.RunID)
	defer unlock()

	rec, ok := run.Workflow.Step(stepID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Missing workflow step record for %s", stepID).WithStep(stepID)
	}
	from := rec.Status
	if err := CheckStepTransition(stepID, from, status); err != nil {
		return nil, err
	}

	now := rt.clock()
	applyStepStatus(rec, from, status, now)
	if note != "" {
		rec.LastError = note
	}
	if !status.IsTerminal() {
		reopenWorkflow(run.Workflow)
	}
	run.Status = RunStatusFor(run.Workflow.Status)
	if _, err := rt.store.Upsert(ctx, run); err != nil {
		return nil, err
	}

	meta := map[string]string{
		"step_id": stepID,
		"from":    string(from),
		"status":  string(status),
	}
	if rec.HitlRequestID != "" {
		meta["request_id"] = rec.HitlRequestID
	}
	rt.record(ctx, run.RunID, stepEventAction(status), fmt.Sprintf("step %s set to %s", stepID, status), meta, now)
	logging.LogWith(logging.WithStepID(logging.WithRunID(ctx, run.RunID), stepID), rt.logger).
		InfoContext(ctx, "step status updated", slog.String("from", string(from)), slog.String("to", string(status)))

	out := *rec
	return &out, nil
}

// applyStepStatus moves rec to status. Resetting to pending clears the
// attempt budget; a reset from a terminal state also forgets the step's
// HITL request, so an approval gate asks again.
func applyStepStatus(rec *schema.WorkflowStepRecord, from, to schema.StepStatus, now time.Time) {
	rec.Status = to
	switch {
	case to.IsTerminal():
		rec.CompletedAt = &now
	case to == schema.StepStatusPending:
		rec.Attempts = 0
		rec.CompletedAt = nil
		if from.IsTerminal() {
			rec.HitlRequestID = ""
		}
	}
}

// record publishes a workflow trace event. Recorder failures are logged and
// never fail the run.
func (rt *Runtime) record(ctx context.Context, runID, action, message string, meta map[string]string, at time.Time) {
	if rt.recorder == nil {
		return
	}
	ev := &schema.TraceEvent{
		EventID:   rt.eventIDs(),
		RunID:     runID,
		Timestamp: at,
		Category:  schema.TraceCategoryWorkflow,
		Action:    action,
		Status:    traceStatusFor(action),
		Message:   message,
		Metadata:  meta,
	}
	if err := rt.recorder.AppendTrace(ctx, ev); err != nil {
		logging.LogWith(ctx, rt.logger).WarnContext(ctx, "trace event dropped",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// walk is the state of one Run call.
type walk struct {
	rt       *Runtime
	def      *schema.WorkflowDefinition
	handlers Handlers
	run      *schema.RunRecord
	span     trace.Span

	location string
	request  *schema.HitlRequest
}

func (w *walk) wf() *schema.WorkflowRunRecord { return w.run.Workflow }

func (w *walk) result() *Result {
	return &Result{
		Run:      w.run,
		Workflow: w.run.Workflow,
		Status:   w.run.Workflow.Status,
		Location: w.location,
		Request:  w.request,
	}
}

func (w *walk) execute(ctx context.Context) (*Result, error) {
	now := w.rt.clock()
	if w.wf() == nil || w.wf().WorkflowID != w.def.WorkflowID {
		w.deriveTrace()
		w.run.Workflow = newWorkflowRecord(w.def, now)
		if err := w.persist(ctx); err != nil {
			return nil, err
		}
	} else if changed, added := alignSteps(w.def, w.wf()); changed {
		// New steps reopen a finished workflow, but never a halted one.
		if added && w.wf().Status != schema.WorkflowStatusFailure {
			reopenWorkflow(w.wf())
		}
		if err := w.persist(ctx); err != nil {
			return nil, err
		}
	}

	if w.settled() {
		w.location = w.rt.store.Location(w.run.RunID)
		return w.result(), nil
	}

	w.deriveTrace()
	if err := w.setWorkflowStatus(ctx, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}

	for i := range w.def.Steps {
		step := &w.def.Steps[i]
		rec := &w.wf().Steps[i]

		if rec.Status.IsTerminal() {
			if declined(step, rec) {
				return w.haltDeclined(ctx, step, rec)
			}
			continue
		}
		if rec.Status == schema.StepStatusWaitingHitl {
			return w.suspend(ctx)
		}

		stepCtx := logging.WithStepID(ctx, step.StepID)
		stop, err := w.runStep(stepCtx, step, rec)
		if err != nil {
			return w.result(), err
		}
		if stop {
			return w.result(), nil
		}
	}

	return w.finish(ctx)
}

// settled reports whether Run has nothing to do: the workflow is finished,
// or it is already suspended on a waiting step. A finished workflow only
// runs again after UpdateStepStatus reopens it.
func (w *walk) settled() bool {
	wf := w.wf()
	if wf.Status.IsTerminal() {
		return true
	}
	for i := range wf.Steps {
		switch s := wf.Steps[i].Status; {
		case s.IsTerminal():
			continue
		case s == schema.StepStatusWaitingHitl:
			return wf.Status == schema.WorkflowStatusWaitingHitl
		default:
			return false
		}
	}
	return false
}

// declined reports a failed step whose human checkpoint was refused and
// whose failure mode halts the workflow.
func declined(step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord) bool {
	if rec.Status != schema.StepStatusFailure || rec.HitlRequestID == "" {
		return false
	}
	switch step.OnFailure {
	case schema.FailureModeContinue, schema.FailureModeQueueException:
		return false
	default:
		return true
	}
}

// haltDeclined stops the walk at a step a reviewer refused.
func (w *walk) haltDeclined(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord) (*Result, error) {
	if err := w.setWorkflowStatus(ctx, schema.WorkflowStatusFailure); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, w.rt.logger).WarnContext(ctx, "human checkpoint declined, workflow halted",
		slog.String("step_id", step.StepID),
		slog.String("request_id", rec.HitlRequestID),
	)
	return w.result(), nil
}

// runStep drives one non-terminal step. stop is true when the walk must
// return (suspended or halted).
func (w *walk) runStep(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord) (stop bool, err error) {
	gatePassed := rec.HitlRequestID != ""

	if step.Hitl != nil && step.Hitl.Type == schema.HitlTypeApproval && !gatePassed {
		return true, w.requestApproval(ctx, step, rec, step.Hitl.Summary)
	}

	handler, lookupErr := w.handlers.Lookup(step.Action)
	if lookupErr != nil {
		rec.LastError = errorMessage(lookupErr)
		return w.routeFailure(ctx, step, rec)
	}

	if gate, ok := handler.(ApprovalGate); ok && !gatePassed {
		summary, required, gateErr := gate.RequiresApproval(ctx, step, w.run)
		if gateErr != nil {
			rec.LastError = fmt.Sprintf("%s: %s", schema.InvocationHandlerException, gateErr.Error())
			return w.routeFailure(ctx, step, rec)
		}
		if required {
			return true, w.requestApproval(ctx, step, rec, summary)
		}
	}

	succeeded, err := w.attempt(ctx, step, rec, handler)
	if err != nil {
		return true, err
	}
	if succeeded {
		return false, nil
	}
	return w.routeFailure(ctx, step, rec)
}

// attempt runs the handler until it succeeds or the attempt budget is
// spent. Attempts are persisted before each call, so a resumed run never
// exceeds the budget.
func (w *walk) attempt(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord, handler StepHandler) (bool, error) {
	logger := logging.LogWith(ctx, w.rt.logger)
	maxAttempts := step.MaxAttempts()

	for rec.Attempts < maxAttempts {
		rec.Attempts++
		attempt := rec.Attempts
		now := w.rt.clock()
		rec.Status = schema.StepStatusRunning
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		if err := w.persist(ctx); err != nil {
			return false, err
		}
		w.stepEvent(ctx, schema.EventStepStarted, step, rec, fmt.Sprintf("attempt %d of %d", attempt, maxAttempts), now)

		stepCtx, span := w.rt.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
			attribute.String("steward.step_id", step.StepID),
			attribute.String("steward.action", step.Action),
			attribute.Int("steward.attempt", attempt),
		))
		outcome, herr := invokeStep(stepCtx, handler, step, w.run, attempt)
		if outcome.Status != schema.OutcomeSuccess {
			span.SetStatus(codes.Error, outcome.Error)
		}
		span.End()

		now = w.rt.clock()
		if outcome.Status == schema.OutcomeSuccess {
			rec.Status = schema.StepStatusSuccess
			rec.Outputs = outcome.Outputs
			rec.CompletedAt = &now
			rec.LastError = ""
			if err := w.persist(ctx); err != nil {
				return false, err
			}
			w.stepEvent(ctx, schema.EventStepCompleted, step, rec, "step succeeded", now)
			logger.InfoContext(ctx, "step succeeded", slog.Int("attempt", attempt))
			return true, nil
		}

		rec.LastError = outcome.Error
		if herr != nil {
			logger.WarnContext(ctx, "step handler error", slog.Int("attempt", attempt), slog.String("error", herr.Error()))
		}

		if attempt < maxAttempts {
			if err := w.persist(ctx); err != nil {
				return false, err
			}
			w.stepEvent(ctx, schema.EventStepRetrying, step, rec, rec.LastError, now)
			logger.InfoContext(ctx, "step failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", rec.LastError),
			)
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(step, attempt)); err != nil {
			return false, w.abort(ctx, err)
		}
	}

	if rec.LastError == "" {
		rec.LastError = "step interrupted before completion"
	}
	return false, nil
}

// abort persists the run after ctx ended and returns the context error.
func (w *walk) abort(ctx context.Context, cause error) error {
	if err := w.persist(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logging.LogWith(ctx, w.rt.logger).WarnContext(ctx, "workflow run interrupted", slog.String("error", cause.Error()))
	return cause
}

func (w *walk) requestApproval(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord, summary string) error {
	req, err := w.rt.enqueue(ctx, w.run, step, schema.HitlTypeApproval, summary, nil)
	if err != nil {
		return w.failSetup(ctx, step, rec, err)
	}
	w.markWaiting(ctx, step, rec, req)
	_, err = w.suspend(ctx)
	return err
}

// failSetup halts the workflow when a human checkpoint cannot be raised,
// then reports the configuration error.
func (w *walk) failSetup(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord, cause error) error {
	rec.LastError = errorMessage(cause)
	if _, err := w.halt(ctx, step, rec); err != nil {
		return err
	}
	return cause
}

func (w *walk) markWaiting(ctx context.Context, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord, req *schema.HitlRequest) {
	now := w.rt.clock()
	rec.Status = schema.StepStatusWaitingHitl
	rec.HitlRequestID = req.RequestID
	w.request = req
	w.stepEvent(ctx, schema.EventHitlRequested, step, rec, req.Summary, now)
	w.stepEvent(ctx, schema.EventStepSuspended, step, rec, "waiting on "+string(req.Kind), now)
}

func (w *walk) suspend(ctx context.Context) (*Result, error) {
	if err := w.setWorkflowStatus(ctx, schema.WorkflowStatusWaitingHitl); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, w.rt.logger).InfoContext(ctx, "workflow waiting on human decision")
	return w.result(), nil
}

func (w *walk) finish(ctx context.Context) (*Result, error) {
	status := schema.WorkflowStatusSuccess
	for i := range w.wf().Steps {
		if w.wf().Steps[i].Status == schema.StepStatusFailure {
			status = schema.WorkflowStatusPartial
			break
		}
	}
	if err := w.setWorkflowStatus(ctx, status); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, w.rt.logger).InfoContext(ctx, "workflow finished", slog.String("status", string(status)))
	return w.result(), nil
}

// setWorkflowStatus transitions the workflow, persists and records it.
func (w *walk) setWorkflowStatus(ctx context.Context, status schema.WorkflowStatus) error {
	wf := w.wf()
	if err := CheckWorkflowTransition(wf.WorkflowID, wf.Status, status); err != nil {
		return err
	}
	now := w.rt.clock()
	wf.Status = status
	if status.IsTerminal() {
		wf.CompletedAt = &now
	} else {
		wf.CompletedAt = nil
	}
	if err := w.persist(ctx); err != nil {
		return err
	}
	w.rt.record(ctx, w.run.RunID, workflowEventAction(status), "workflow "+string(status),
		map[string]string{"workflow_id": wf.WorkflowID, "status": string(status)}, now)
	return nil
}

func (w *walk) persist(ctx context.Context) error {
	w.run.Status = RunStatusFor(w.wf().Status)
	loc, err := w.rt.store.Upsert(ctx, w.run)
	if err != nil {
		return err
	}
	w.location = loc
	return nil
}

func (w *walk) stepEvent(ctx context.Context, action string, step *schema.WorkflowStepDefinition, rec *schema.WorkflowStepRecord, message string, at time.Time) {
	meta := map[string]string{
		"step_id": step.StepID,
		"action":  step.Action,
		"attempt": strconv.Itoa(rec.Attempts),
		"status":  string(rec.Status),
	}
	if rec.HitlRequestID != "" {
		meta["request_id"] = rec.HitlRequestID
	}
	w.rt.record(ctx, w.run.RunID, action, message, meta, at)
}

// deriveTrace fills the run's trace from the active span when the caller
// supplied none.
func (w *walk) deriveTrace() {
	if w.run.Trace.TraceID != "" {
		return
	}
	if sc := w.span.SpanContext(); sc.IsValid() {
		w.run.Trace = schema.RunTrace{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
	}
}

// errorMessage strips the code prefix from structured errors.
func errorMessage(err error) string {
	var se *schema.StewardError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

func newWorkflowRecord(def *schema.WorkflowDefinition, startedAt time.Time) *schema.WorkflowRunRecord {
	steps := make([]schema.WorkflowStepRecord, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = schema.WorkflowStepRecord{StepID: s.StepID, Status: schema.StepStatusPending, Outputs: []string{}}
	}
	return &schema.WorkflowRunRecord{
		WorkflowID: def.WorkflowID,
		Status:     schema.WorkflowStatusPending,
		StartedAt:  startedAt,
		Steps:      steps,
	}
}

// alignSteps reorders wf's step records to match def, adding pending
// records for new steps and dropping records for removed ones. It reports
// whether anything changed and whether a step was added.
func alignSteps(def *schema.WorkflowDefinition, wf *schema.WorkflowRunRecord) (changed, added bool) {
	changed = len(wf.Steps) != len(def.Steps)
	byID := make(map[string]schema.WorkflowStepRecord, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.StepID] = s
	}
	steps := make([]schema.WorkflowStepRecord, len(def.Steps))
	for i, s := range def.Steps {
		rec, ok := byID[s.StepID]
		if !ok {
			rec = schema.WorkflowStepRecord{StepID: s.StepID, Status: schema.StepStatusPending, Outputs: []string{}}
			changed, added = true, true
		} else if i >= len(wf.Steps) || wf.Steps[i].StepID != s.StepID {
			changed = true
		}
		steps[i] = rec
	}
	if changed {
		wf.Steps = steps
	}
	return changed, added
}
