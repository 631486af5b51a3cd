// Package service assembles a steward instance from its configuration: the
// store backend, policy enforcer, HITL queue and sweeper, tool executor,
// workflow runtime and live event hub. Transports (MCP, CLI) call into it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/hitl"
	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/isolation"
	"github.com/rendis/steward/internal/policy"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/internal/toolkit"
	"github.com/rendis/steward/internal/toolruntime"
	"github.com/rendis/steward/internal/tracing"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
)

// DefaultRole is the policy role of runs started without one.
const DefaultRole = "agent"

// Options holds what New cannot derive from the configuration.
type Options struct {
	Config  *config.Config
	Version string
	Logger  *slog.Logger
	// Tracer overrides the tracer built from Config.Tracing.
	Tracer trace.Tracer
	Clock  ids.Clock
	IDs    ids.Generator
	// Handlers adds or replaces tool handlers by tool id.
	Handlers map[string]toolruntime.Handler
}

// Service is one running steward instance. Safe for concurrent use.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  ids.Clock
	ids    ids.Generator

	stores     *stores
	policy     *schema.GovernancePolicy
	enforcer   *policy.Enforcer
	queue      *hitl.Queue
	sweeper    *hitl.Sweeper
	executor   *toolruntime.Executor
	runtime    *engine.Runtime
	dispatcher *engine.Dispatcher
	hub        *streaming.MemoryHub
	provider   *tracing.Provider
	validate   *validator.Validate

	mu        sync.RWMutex
	workflows map[string]*schema.WorkflowDefinition
	contexts  map[string]runContext
}

// toolSet answers action lookups for workflow validation.
type toolSet map[string]bool

func (t toolSet) Has(action string) bool { return t[action] }

// New loads the configured documents and wires every component. Nothing
// runs in the background until Start.
func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "service requires a configuration")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		clock:     opts.Clock.OrDefault(),
		ids:       opts.IDs.OrDefault(),
		hub:       streaming.NewMemoryHub(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		workflows: make(map[string]*schema.WorkflowDefinition),
		contexts:  make(map[string]runContext),
	}

	ok := false
	defer func() {
		if !ok {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	pol, err := config.LoadPolicy(cfg.Documents.Policy)
	if err != nil {
		return nil, err
	}
	s.policy = pol

	manifest, err := config.LoadManifest(cfg.Documents.Manifest)
	if err != nil {
		return nil, err
	}
	var sandboxes []schema.ExecutionSandbox
	if cfg.Documents.Sandboxes != "" {
		if sandboxes, err = config.LoadSandboxes(cfg.Documents.Sandboxes); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
	}

	if s.stores, err = openStores(ctx, cfg.Store); err != nil {
		return nil, err
	}

	tracer := opts.Tracer
	if tracer == nil && cfg.Tracing.Enabled {
		s.provider, err = tracing.NewProvider(ctx, tracing.Options{
			Version:     opts.Version,
			SampleRatio: cfg.Tracing.SampleRatio,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		tracer = s.provider.Tracer()
	}
	recorder := streaming.NewRecorder(s.stores.traces, s.hub, logger)

	s.enforcer = policy.NewEnforcer(s.stores.audit,
		policy.WithClock(s.clock),
		policy.WithIDs(s.ids),
		policy.WithLogger(logger),
	)
	s.queue = hitl.NewQueue(
		hitl.WithRequestStore(s.stores.requests),
		hitl.WithAudit(s.stores.audit),
		hitl.WithClock(s.clock),
		hitl.WithIDs(s.ids),
		hitl.WithLogger(logger),
	)
	s.sweeper = hitl.NewSweeper(s.queue, cfg.Hitl.SweepSchedule, s.clock, logger)
	s.sweeper.OnExpire(s.resolveExpired)

	handlers, err := s.toolHandlers(manifest, opts.Handlers)
	if err != nil {
		return nil, err
	}
	s.executor, err = toolruntime.New(toolruntime.Options{
		Manifest:         *manifest,
		Sandboxes:        sandboxes,
		Handlers:         handlers,
		DefaultSandboxID: cfg.Documents.DefaultSandboxID,
		Clock:            s.clock,
		Tracer:           tracer,
		Recorder:         recorder,
		Logger:           logger,
		Contracts:        validation.NewContractCompiler(false),
	})
	if err != nil {
		return nil, err
	}

	s.runtime, err = engine.NewRuntime(engine.RuntimeConfig{
		Store:       s.stores.runs,
		Queue:       s.queue,
		Audit:       s.stores.audit,
		ApprovalTTL: cfg.Hitl.ApprovalTTL,
		Clock:       s.clock,
		IDs:         s.ids,
		Tracer:      tracer,
		Recorder:    recorder,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = engine.NewDispatcher(s.runtime, cfg.PoolSize)

	workflows, err := config.LoadWorkflows(cfg.Documents.WorkflowsDir, s.tools())
	if err != nil {
		return nil, err
	}
	s.workflows = workflows

	ok = true
	return s, nil
}

// toolHandlers binds a handler to every manifest tool it can serve: the
// built-in transforms, one subprocess lane per configured lane, then the
// caller's overrides.
func (s *Service) toolHandlers(manifest *schema.ToolManifest, extra map[string]toolruntime.Handler) (map[string]toolruntime.Handler, error) {
	out := make(map[string]toolruntime.Handler)
	for id, h := range toolkit.Handlers() {
		if _, ok := manifest.Tool(id); ok {
			out[id] = h
		}
	}

	if len(s.cfg.Lanes) > 0 {
		iso, err := isolation.NewIsolator(s.cfg.Isolation.CgroupSlice)
		if err != nil {
			return nil, err
		}
		for _, lane := range s.cfg.Lanes {
			if _, ok := manifest.Tool(lane.ToolID); !ok {
				s.logger.Warn("lane configured for a tool missing from the manifest", slog.String("tool_id", lane.ToolID))
				continue
			}
			h := toolkit.NewProcessHandler(lane.Command, lane.Args...)
			h.Env = lane.Env
			h.Dir = lane.Dir
			h.Isolator = iso
			out[lane.ToolID] = h
		}
	}

	maps.Copy(out, extra)
	for _, tool := range manifest.Tools {
		if _, ok := out[tool.ToolID]; !ok {
			s.logger.Warn("manifest tool has no handler", slog.String("tool_id", tool.ToolID))
		}
	}
	return out, nil
}

func (s *Service) tools() toolSet {
	set := make(toolSet)
	for _, tool := range s.executor.Manifest().Tools {
		set[tool.ToolID] = true
	}
	return set
}

// Start reloads persisted HITL requests and schedules the expiry sweep.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.Restore(ctx); err != nil {
		return err
	}
	return s.sweeper.Start(ctx)
}

// Restore reloads persisted HITL requests into the queue without starting
// the sweeper. One-shot commands use it to read or decide requests.
func (s *Service) Restore(ctx context.Context) (int, error) {
	n, err := s.queue.Load(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("hitl requests restored", slog.Int("count", n))
	}
	return n, nil
}

// Sweep expires overdue approvals now and resumes their runs.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.SweepOnce(ctx)
}

// Close stops the sweeper, waits for dispatched runs and releases the
// store. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
	}
	var errs []error
	if s.provider != nil {
		errs = append(errs, s.provider.Shutdown(ctx))
	}
	errs = append(errs, s.stores.close())
	return errors.Join(errs...)
}

// Register validates def against the manifest and makes it runnable,
// replacing any definition with the same id.
func (s *Service) Register(def *schema.WorkflowDefinition) error {
	if err := validation.NewWorkflowValidator(s.tools()).ValidateDefinition(def); err != nil {
		return err
	}
	s.mu.Lock()
	s.workflows[def.WorkflowID] = def
	s.mu.Unlock()
	return nil
}

// Workflow returns the registered definition with id.
func (s *Service) Workflow(id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	def, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", id)
	}
	return def, nil
}

// Workflows lists registered workflow ids in order.
func (s *Service) Workflows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.workflows))
}

// Policy returns the loaded governance policy.
func (s *Service) Policy() *schema.GovernancePolicy { return s.policy }

// Manifest returns the loaded tool manifest.
func (s *Service) Manifest() *schema.ToolManifest { return s.executor.Manifest() }

// Hub returns the live event hub fed by every trace event.
func (s *Service) Hub() streaming.EventHub { return s.hub }

// Queue returns the HITL queue.
func (s *Service) Queue() *hitl.Queue { return s.queue }

// Runs returns the run store.
func (s *Service) Runs() store.RunStore { return s.stores.runs }

// Metrics reports the dispatcher counters.
func (s *Service) Metrics() engine.DispatcherMetrics { return s.dispatcher.Metrics() }
