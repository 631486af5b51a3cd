// Package toolruntime runs manifest-declared tools under contract validation
// and sandbox resolution, returning one uniform result shape for every
// outcome.
package toolruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/rendis/steward/internal/toolruntime"

// Recorder receives a trace event for every run event an invocation emits.
type Recorder interface {
	AppendTrace(ctx context.Context, event *schema.TraceEvent) error
}

// Options configures an Executor.
type Options struct {
	Manifest         schema.ToolManifest
	Sandboxes        []schema.ExecutionSandbox
	Handlers         map[string]Handler
	DefaultSandboxID string

	// IDs generates run event ids. Defaults to ids.EventID.
	IDs      ids.Generator
	Clock    ids.Clock
	Tracer   trace.Tracer
	Recorder Recorder
	Logger   *slog.Logger
	// Contracts, when set, compiles every contract schema up front.
	Contracts *validation.ContractCompiler
}

type contract struct {
	request  *validation.Node
	response *validation.Node
	error    *validation.Node
}

// Executor invokes tool handlers. It is immutable after New and safe for
// concurrent use.
type Executor struct {
	manifest         schema.ToolManifest
	sandboxes        []schema.ExecutionSandbox
	handlers         map[string]Handler
	defaultSandboxID string
	contracts        map[string]contract

	ids      ids.Generator
	clock    ids.Clock
	tracer   trace.Tracer
	recorder Recorder
	logger   *slog.Logger
	validate *validator.Validate
}

// New validates the manifest and every sandbox and parses each tool's
// contract schemas. Any failure returns an error and no executor.
func New(opts Options) (*Executor, error) {
	if err := validation.AssertToolManifest(opts.Manifest); err != nil {
		return nil, err
	}
	for _, sb := range opts.Sandboxes {
		if err := validation.AssertExecutionSandbox(sb); err != nil {
			return nil, err
		}
	}

	e := &Executor{
		manifest:         opts.Manifest,
		sandboxes:        append([]schema.ExecutionSandbox(nil), opts.Sandboxes...),
		handlers:         maps.Clone(opts.Handlers),
		defaultSandboxID: opts.DefaultSandboxID,
		contracts:        make(map[string]contract, len(opts.Manifest.Tools)),
		ids:              opts.IDs,
		clock:            opts.Clock.OrDefault(),
		tracer:           opts.Tracer,
		recorder:         opts.Recorder,
		logger:           opts.Logger,
		validate:         validator.New(validator.WithRequiredStructEnabled()),
	}
	if e.ids == nil {
		e.ids = ids.EventID
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.handlers == nil {
		e.handlers = map[string]Handler{}
	}

	for _, tool := range e.manifest.Tools {
		c, err := e.parseContract(tool, opts.Contracts)
		if err != nil {
			return nil, err
		}
		e.contracts[tool.ToolID] = c
	}
	return e, nil
}

func (e *Executor) parseContract(tool schema.ToolDefinition, compiler *validation.ContractCompiler) (contract, error) {
	parse := func(suffix string, raw map[string]any) (*validation.Node, error) {
		label := tool.ToolID + "." + suffix
		if compiler != nil {
			warnings, err := compiler.Check(raw, label)
			if err != nil {
				return nil, err
			}
			for _, w := range warnings {
				e.logger.Warn("loose contract reference", "tool_id", tool.ToolID, "warning", w)
			}
		}
		node, err := validation.ParseNode(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", label, err.Error()).WithCause(err)
		}
		return node, nil
	}

	var c contract
	var err error
	if c.request, err = parse("request", tool.Contract.RequestSchema); err != nil {
		return c, err
	}
	if c.response, err = parse("response", tool.Contract.ResponseSchema); err != nil {
		return c, err
	}
	if c.error, err = parse("error", tool.Contract.ErrorSchema); err != nil {
		return c, err
	}
	return c, nil
}

// Manifest returns the manifest the executor was built with.
func (e *Executor) Manifest() *schema.ToolManifest {
	return &e.manifest
}

// ResolveSandbox returns the sandbox an unsafe tool runs under: the first
// sandbox named in its policy_refs, else the default sandbox, else the first
// sandbox on the same execution lane. Safe tools get nil.
func (e *Executor) ResolveSandbox(tool *schema.ToolDefinition) *schema.ExecutionSandbox {
	if !tool.IsUnsafe() {
		return nil
	}
	for i := range e.sandboxes {
		for _, ref := range tool.PolicyRefs {
			if e.sandboxes[i].SandboxID == ref {
				return &e.sandboxes[i]
			}
		}
	}
	if e.defaultSandboxID != "" {
		for i := range e.sandboxes {
			if e.sandboxes[i].SandboxID == e.defaultSandboxID {
				return &e.sandboxes[i]
			}
		}
	}
	for i := range e.sandboxes {
		if e.sandboxes[i].ExecutionLane == tool.ExecutionLane {
			return &e.sandboxes[i]
		}
	}
	return nil
}

// Execute runs one invocation. An unknown tool, a missing handler or an
// unsafe tool without a sandbox is returned as an error before the handler
// runs; every other outcome is a result.
func (e *Executor) Execute(ctx context.Context, req schema.ToolInvocationRequest) (*schema.ToolInvocationResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid tool invocation request: %s", err.Error()).WithCause(err)
	}

	tool, ok := e.manifest.Tool(req.ToolID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownTool, "Tool %s not found in manifest %s", req.ToolID, e.manifest.ManifestID)
	}
	handler, ok := e.handlers[req.ToolID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMissingHandler, "Missing tool handler for %s", req.ToolID)
	}
	sandbox := e.ResolveSandbox(tool)
	if tool.IsUnsafe() && sandbox == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingSandbox, "Sandbox policy required for unsafe tool %s", tool.ToolID)
	}

	ctx = logging.WithRunID(ctx, req.RunID)
	ctx = logging.WithToolID(ctx, tool.ToolID)
	ctx = logging.WithRequestID(ctx, req.RequestID)
	log := logging.LogWith(ctx, e.logger)

	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("steward.run_id", req.RunID),
		attribute.String("steward.tool_id", tool.ToolID),
		attribute.String("steward.tool_version", tool.Version),
		attribute.String("steward.request_id", req.RequestID),
		attribute.String("steward.sandbox_id", sandboxID(sandbox)),
	))
	defer span.End()

	inv := &invocation{exec: e, req: req, tool: tool, sandbox: sandbox}
	startedAt := e.clock()
	inv.emit(ctx, "Tool invocation started", startedAt, schema.RunEventStart, "pending")

	c := e.contracts[tool.ToolID]
	if r := validation.Validate(c.request, req.Input, tool.ToolID+".request"); !r.Valid() {
		finishedAt := e.clock()
		inv.emit(ctx, "Tool invocation failed request schema validation", finishedAt, schema.RunEventFailure, string(schema.OutcomeFailure))
		log.Warn("tool request rejected", "issues", r.Summary())
		span.SetStatus(codes.Error, "request schema validation failed")
		return inv.result(startedAt, finishedAt, schemaFailure("Tool request payload failed schema validation.", r)), nil
	}

	hc := HandlerContext{
		Tool:     tool,
		Manifest: &e.manifest,
		Sandbox:  sandbox,
		Request:  req,
	}
	if tool.Constraints != nil {
		hc.TimeoutSeconds = tool.Constraints.TimeoutSeconds
	}

	res, err := e.invoke(ctx, handler, req.Input, hc, timeoutFor(tool, sandbox))
	if err != nil {
		finishedAt := e.clock()
		code, msg, event := schema.InvocationHandlerException, err.Error(), "Tool invocation failed with handler exception"
		if errors.Is(err, context.DeadlineExceeded) {
			code, event = schema.InvocationTimeout, "Tool invocation timed out"
		}
		if msg == "" {
			msg = "Tool handler threw an exception."
		}
		inv.emit(ctx, event, finishedAt, schema.RunEventFailure, string(schema.OutcomeFailure))
		log.Error("tool handler failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		return inv.result(startedAt, finishedAt, Failure(code, msg)), nil
	}

	if res.Output == nil {
		res.Output = map[string]any{}
	}
	if res.Status == "" {
		res.Status = schema.OutcomeSuccess
	}
	if r := validation.Validate(c.response, res.Output, tool.ToolID+".response"); !r.Valid() {
		res = schemaFailure("Tool response payload failed schema validation.", r)
	}
	if res.Error != nil && c.error != nil {
		if r := validation.Validate(c.error, res.Error, tool.ToolID+".error"); !r.Valid() {
			res = schemaFailure("Tool error payload failed schema validation.", r)
		}
	}

	finishedAt := e.clock()
	eventType := schema.RunEventFinish
	if res.Status != schema.OutcomeSuccess {
		eventType = schema.RunEventFailure
		span.SetStatus(codes.Error, "tool reported failure")
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	inv.emit(ctx, "Tool invocation finished", finishedAt, eventType, string(res.Status))
	log.Info("tool invocation finished", "status", res.Status, "duration", finishedAt.Sub(startedAt))
	return inv.result(startedAt, finishedAt, res), nil
}

type handlerReturn struct {
	res HandlerResult
	err error
}

// invoke runs the handler on its own goroutine so a panic or a handler that
// ignores its context cannot take the caller down with it.
func (e *Executor) invoke(ctx context.Context, h Handler, input map[string]any, hc HandlerContext, timeout time.Duration) (HandlerResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: fmt.Errorf("tool handler panicked: %v", r)}
			}
		}()
		res, err := h.Invoke(ctx, input, hc)
		done <- handlerReturn{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return HandlerResult{}, fmt.Errorf("tool handler exceeded timeout of %s: %w", timeout, ctx.Err())
		}
		return HandlerResult{}, ctx.Err()
	}
}

// timeoutFor prefers the tool constraint over the sandbox resource limit.
func timeoutFor(tool *schema.ToolDefinition, sandbox *schema.ExecutionSandbox) time.Duration {
	if tool.Constraints != nil && tool.Constraints.TimeoutSeconds > 0 {
		return time.Duration(tool.Constraints.TimeoutSeconds) * time.Second
	}
	if sandbox != nil && sandbox.Resources.TimeoutSeconds > 0 {
		return time.Duration(sandbox.Resources.TimeoutSeconds) * time.Second
	}
	return 0
}

func schemaFailure(message string, r *schema.ValidationResult) HandlerResult {
	res := Failure(schema.InvocationSchemaValidationFailed, message)
	res.Error.Details = map[string]string{"issues": r.Summary()}
	return res
}

func sandboxID(sb *schema.ExecutionSandbox) string {
	if sb == nil {
		return "none"
	}
	return sb.SandboxID
}

// invocation accumulates the run events of one Execute call.
type invocation struct {
	exec    *Executor
	req     schema.ToolInvocationRequest
	tool    *schema.ToolDefinition
	sandbox *schema.ExecutionSandbox
	events  []schema.RunEvent
}

func (inv *invocation) emit(ctx context.Context, message string, at time.Time, typ schema.RunEventType, status string) {
	if status == "" {
		status = "pending"
	}
	ev := schema.RunEvent{
		EventID:   inv.exec.ids(),
		RunID:     inv.req.RunID,
		Timestamp: at,
		Type:      typ,
		Message:   message,
		Metadata: map[string]string{
			"tool_id":      inv.tool.ToolID,
			"tool_version": inv.tool.Version,
			"request_id":   inv.req.RequestID,
			"caller":       inv.req.Caller,
			"status":       status,
			"sandbox_id":   sandboxID(inv.sandbox),
		},
	}
	inv.events = append(inv.events, ev)
	trace.SpanFromContext(ctx).AddEvent(message, trace.WithAttributes(attribute.String("steward.event_type", string(typ))))

	if inv.exec.recorder == nil {
		return
	}
	if err := inv.exec.recorder.AppendTrace(ctx, toTraceEvent(ev)); err != nil {
		logging.LogWith(ctx, inv.exec.logger).Warn("trace record failed", "event_id", ev.EventID, "error", err)
	}
}

func (inv *invocation) result(startedAt, finishedAt time.Time, res HandlerResult) *schema.ToolInvocationResult {
	return &schema.ToolInvocationResult{
		RequestID:   inv.req.RequestID,
		RunID:       inv.req.RunID,
		ToolID:      inv.req.ToolID,
		ToolVersion: inv.tool.Version,
		Status:      res.Status,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Output:      res.Output,
		Error:       res.Error,
		Trace:       inv.req.Trace,
		Sandbox:     inv.sandbox,
		RunEvents:   inv.events,
	}
}

func toTraceEvent(ev schema.RunEvent) *schema.TraceEvent {
	action, status := schema.EventToolInvoked, schema.TraceStatusStart
	switch ev.Type {
	case schema.RunEventFinish:
		action, status = schema.EventToolCompleted, schema.TraceStatusSuccess
	case schema.RunEventFailure:
		action, status = schema.EventToolFailed, schema.TraceStatusFailure
	}
	return &schema.TraceEvent{
		EventID:   ev.EventID,
		RunID:     ev.RunID,
		Timestamp: ev.Timestamp,
		Category:  schema.TraceCategoryTool,
		Action:    action,
		Status:    status,
		Message:   ev.Message,
		Metadata:  maps.Clone(ev.Metadata),
	}
}
