package hitl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
)

// SystemActor is recorded as the decider of requests the queue expires.
const SystemActor = "system"

// Queue holds approval and exception requests in FIFO order. Decided
// requests stay in the queue with a terminal status. Safe for concurrent use.
type Queue struct {
	mu         sync.RWMutex
	approvals  []*schema.HitlRequest
	exceptions []*schema.HitlRequest
	byID       map[string]*schema.HitlRequest

	requests store.RequestStore
	audit    store.AuditSink
	clock    ids.Clock
	ids      ids.Generator
	logger   *slog.Logger
	validate *validator.Validate

	filterOnce sync.Once
	filter     *celFilter
	filterErr  error
}

// Option configures a Queue.
type Option func(*Queue)

// WithRequestStore persists every enqueued and decided request.
func WithRequestStore(rs store.RequestStore) Option {
	return func(q *Queue) { q.requests = rs }
}

// WithAudit records decisions, escalations and expiries.
func WithAudit(a store.AuditSink) Option {
	return func(q *Queue) { q.audit = a }
}

// WithClock sets the time source.
func WithClock(c ids.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDs sets the audit id generator.
func WithIDs(g ids.Generator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{byID: make(map[string]*schema.HitlRequest)}
	for _, opt := range opts {
		opt(q)
	}
	q.clock = q.clock.OrDefault()
	q.ids = q.ids.OrDefault()
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.validate = validator.New(validator.WithRequiredStructEnabled())
	return q
}

// Approvals returns a snapshot of the approval queue.
func (q *Queue) Approvals() []*schema.HitlRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return cloneAll(q.approvals)
}

// Exceptions returns a snapshot of the exception queue.
func (q *Queue) Exceptions() []*schema.HitlRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return cloneAll(q.exceptions)
}

// All returns approvals followed by exceptions.
func (q *Queue) All() []*schema.HitlRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := cloneAll(q.approvals)
	return append(out, cloneAll(q.exceptions)...)
}

// Get returns a copy of the request with the given id.
func (q *Queue) Get(requestID string) (*schema.HitlRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	req, ok := q.byID[requestID]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// EnqueueApproval appends req to the approval queue.
func (q *Queue) EnqueueApproval(ctx context.Context, req *schema.HitlRequest) error {
	return q.enqueue(ctx, schema.HitlTypeApproval, req)
}

// EnqueueException appends req to the exception queue.
func (q *Queue) EnqueueException(ctx context.Context, req *schema.HitlRequest) error {
	return q.enqueue(ctx, schema.HitlTypeException, req)
}

func (q *Queue) enqueue(ctx context.Context, kind schema.HitlType, req *schema.HitlRequest) error {
	if req == nil || req.RequestID == "" {
		return schema.NewError(schema.ErrCodeValidation, "hitl request requires a request_id")
	}
	stored := req.Clone()
	stored.Kind = kind
	if stored.Status == "" {
		stored.Status = schema.HitlStatusPending
	}
	if stored.ContextRefs == nil {
		stored.ContextRefs = []string{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[stored.RequestID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "hitl request %s already queued", stored.RequestID)
	}
	if q.requests != nil {
		if _, err := q.requests.SaveRequest(ctx, stored); err != nil {
			return err
		}
	}
	q.insertLocked(stored)

	q.logger.InfoContext(ctx, "hitl request queued",
		slog.String("request_id", stored.RequestID),
		slog.String("kind", string(kind)),
		slog.String("run_id", stored.RunID),
		slog.String("step_id", stored.StepID),
	)
	return nil
}

func (q *Queue) insertLocked(req *schema.HitlRequest) {
	switch req.Kind {
	case schema.HitlTypeException:
		q.exceptions = append(q.exceptions, req)
	default:
		q.approvals = append(q.approvals, req)
	}
	q.byID[req.RequestID] = req
}

// Decide applies a reviewer signal. Escalation keeps the request pending
// and is only audited. Decided requests cannot be decided again.
func (q *Queue) Decide(ctx context.Context, sig schema.ReviewSignal) (*schema.HitlRequest, error) {
	if err := q.validate.Struct(sig); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid review signal: %s", err.Error()).WithCause(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byID[sig.RequestID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "hitl request %q not found", sig.RequestID)
	}
	if req.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"hitl request %s already %s", req.RequestID, req.Status).WithStep(req.StepID)
	}
	outcome, ok := sig.Outcome(req.Kind)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"verb %q is not valid for %s requests", sig.Verb, req.Kind)
	}

	now := q.clock()
	meta := map[string]string{"request_id": req.RequestID, "verb": string(sig.Verb)}
	if sig.Reason != "" {
		meta["reason"] = sig.Reason
	}

	if outcome == schema.HitlStatusPending {
		if err := q.appendAudit(ctx, req, sig.Reviewer, schema.AuditActionHitlEscalated, now, meta); err != nil {
			return nil, err
		}
		q.logger.InfoContext(ctx, "hitl request escalated",
			slog.String("request_id", req.RequestID),
			slog.String("reviewer", sig.Reviewer),
		)
		return req.Clone(), nil
	}

	next := req.Clone()
	next.Status = outcome
	next.Decision = &schema.HitlDecision{
		DecidedBy: sig.Reviewer,
		DecidedAt: now,
		Decision:  outcome,
		Reason:    sig.Reason,
	}
	if err := q.commitLocked(ctx, req, next); err != nil {
		return nil, err
	}
	meta["decision"] = string(outcome)
	if err := q.appendAudit(ctx, next, sig.Reviewer, schema.AuditActionHitlDecided, now, meta); err != nil {
		return nil, err
	}

	q.logger.InfoContext(ctx, "hitl request decided",
		slog.String("request_id", req.RequestID),
		slog.String("decision", string(outcome)),
		slog.String("reviewer", sig.Reviewer),
	)
	return next.Clone(), nil
}

// Expire marks pending approvals whose expires_at is not after now as
// expired and returns them.
func (q *Queue) Expire(ctx context.Context, now time.Time) ([]*schema.HitlRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*schema.HitlRequest
	for _, req := range q.approvals {
		if req.Status != schema.HitlStatusPending || req.ExpiresAt == nil || req.ExpiresAt.After(now) {
			continue
		}
		next := req.Clone()
		next.Status = schema.HitlStatusExpired
		next.Decision = &schema.HitlDecision{
			DecidedBy: SystemActor,
			DecidedAt: now,
			Decision:  schema.HitlStatusExpired,
			Reason:    "approval window elapsed",
		}
		if err := q.commitLocked(ctx, req, next); err != nil {
			return expired, err
		}
		meta := map[string]string{"request_id": req.RequestID, "decision": string(schema.HitlStatusExpired)}
		if err := q.appendAudit(ctx, next, SystemActor, schema.AuditActionHitlExpired, now, meta); err != nil {
			return expired, err
		}
		expired = append(expired, next.Clone())
	}
	if len(expired) > 0 {
		q.logger.InfoContext(ctx, "hitl approvals expired", slog.Int("count", len(expired)))
	}
	return expired, nil
}

// Load hydrates the queue from the request store, skipping requests that
// are already queued. It returns how many requests were added.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.requests == nil {
		return 0, nil
	}
	reqs, err := q.requests.ListRequests(ctx, store.RequestFilter{})
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, req := range reqs {
		if _, exists := q.byID[req.RequestID]; exists {
			continue
		}
		q.insertLocked(req)
		added++
	}
	return added, nil
}

// commitLocked persists next and swaps it in for cur in place.
func (q *Queue) commitLocked(ctx context.Context, cur, next *schema.HitlRequest) error {
	if q.requests != nil {
		if _, err := q.requests.SaveRequest(ctx, next); err != nil {
			return err
		}
	}
	*cur = *next
	return nil
}

func (q *Queue) appendAudit(ctx context.Context, req *schema.HitlRequest, actor, action string, at time.Time, meta map[string]string) error {
	if q.audit == nil {
		return nil
	}
	_, err := q.audit.AppendAudit(ctx, &schema.AuditLogEntry{
		AuditID:   q.ids(),
		RunID:     req.RunID,
		Timestamp: at,
		Actor:     actor,
		Action:    action,
		Target:    req.StepID,
		Status:    schema.AuditStatusSuccess,
		Metadata:  meta,
	})
	return err
}

func cloneAll(reqs []*schema.HitlRequest) []*schema.HitlRequest {
	out := make([]*schema.HitlRequest, len(reqs))
	for i, r := range reqs {
		out[i] = r.Clone()
	}
	return out
}
