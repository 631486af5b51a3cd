package hitl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newRequest(id, runID, stepID string) *schema.HitlRequest {
	return &schema.HitlRequest{
		RequestID:   id,
		RunID:       runID,
		PlaybookID:  "ops-remediation",
		StepID:      stepID,
		RequestedAt: t0,
		Requester:   "ops-bot",
		Summary:     "HITL required for " + stepID,
	}
}

func newTestQueue(t *testing.T) (*Queue, *store.FileStore) {
	t.Helper()
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "runs"), "")
	q := NewQueue(
		WithRequestStore(fs),
		WithAudit(fs),
		WithClock(ids.SteppingClock(t0, time.Second)),
		WithIDs(ids.Sequence("aud")),
	)
	return q, fs
}

func TestQueue_FIFOAndSnapshots(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a1", "run-1", "s1")))
	require.NoError(t, q.EnqueueException(ctx, newRequest("e1", "run-1", "s2")))
	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a2", "run-2", "s1")))

	approvals := q.Approvals()
	require.Len(t, approvals, 2)
	assert.Equal(t, "a1", approvals[0].RequestID)
	assert.Equal(t, "a2", approvals[1].RequestID)
	assert.Equal(t, schema.HitlTypeApproval, approvals[0].Kind)
	assert.Equal(t, schema.HitlStatusPending, approvals[0].Status)
	assert.Equal(t, []string{}, approvals[0].ContextRefs)

	exceptions := q.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Equal(t, schema.HitlTypeException, exceptions[0].Kind)

	// Snapshots are copies.
	approvals[0].Status = schema.HitlStatusApproved
	got, ok := q.Get("a1")
	require.True(t, ok)
	assert.Equal(t, schema.HitlStatusPending, got.Status)

	assert.Len(t, q.All(), 3)
	_, ok = q.Get("nope")
	assert.False(t, ok)
}

func TestQueue_EnqueueRejectsDuplicatesAndBlankIDs(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a1", "run-1", "s1")))
	err := q.EnqueueException(ctx, newRequest("a1", "run-1", "s1"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = q.EnqueueApproval(ctx, &schema.HitlRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	err = q.EnqueueApproval(ctx, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.EnqueueApproval(ctx, newRequest(ids.UUID(), "run-1", "s1")))
		}(i)
	}
	wg.Wait()
	assert.Len(t, q.Approvals(), 50)
}

func TestQueue_DecideApproval(t *testing.T) {
	q, fs := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a1", "run-1", "deploy")))

	decided, err := q.Decide(ctx, schema.ReviewSignal{RequestID: "a1", Verb: schema.VerbApprove, Reviewer: "alice", Reason: "looks fine"})
	require.NoError(t, err)
	assert.Equal(t, schema.HitlStatusApproved, decided.Status)
	require.NotNil(t, decided.Decision)
	assert.Equal(t, "alice", decided.Decision.DecidedBy)
	assert.Equal(t, "looks fine", decided.Decision.Reason)

	// Terminal: no second decision.
	_, err = q.Decide(ctx, schema.ReviewSignal{RequestID: "a1", Verb: schema.VerbReject, Reviewer: "bob"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	persisted, err := fs.LoadRequest(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.HitlStatusApproved, persisted.Status)

	audit, err := fs.ListAudit(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.AuditActionHitlDecided, audit[0].Action)
	assert.Equal(t, "deploy", audit[0].Target)
	assert.Equal(t, "approved", audit[0].Metadata["decision"])
	assert.Equal(t, "alice", audit[0].Actor)
}

func TestQueue_DecideStateMachines(t *testing.T) {
	tests := []struct {
		name    string
		kind    schema.HitlType
		verb    schema.Verb
		want    schema.HitlStatus
		wantErr string
	}{
		{"approval approve", schema.HitlTypeApproval, schema.VerbApprove, schema.HitlStatusApproved, ""},
		{"approval reject", schema.HitlTypeApproval, schema.VerbReject, schema.HitlStatusRejected, ""},
		{"approval deny is invalid", schema.HitlTypeApproval, schema.VerbDeny, "", schema.ErrCodeValidation},
		{"exception approve", schema.HitlTypeException, schema.VerbApprove, schema.HitlStatusApproved, ""},
		{"exception deny", schema.HitlTypeException, schema.VerbDeny, schema.HitlStatusDenied, ""},
		{"exception mitigation", schema.HitlTypeException, schema.VerbRequestMitigation, schema.HitlStatusMitigationRequested, ""},
		{"exception reject is invalid", schema.HitlTypeException, schema.VerbReject, "", schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			ctx := context.Background()
			if tt.kind == schema.HitlTypeApproval {
				require.NoError(t, q.EnqueueApproval(ctx, newRequest("r", "run", "s")))
			} else {
				require.NoError(t, q.EnqueueException(ctx, newRequest("r", "run", "s")))
			}
			got, err := q.Decide(ctx, schema.ReviewSignal{RequestID: "r", Verb: tt.verb, Reviewer: "alice"})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestQueue_DecideValidation(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	_, err := q.Decide(ctx, schema.ReviewSignal{RequestID: "x", Verb: "shrug", Reviewer: "alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = q.Decide(ctx, schema.ReviewSignal{RequestID: "x", Verb: schema.VerbApprove})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = q.Decide(ctx, schema.ReviewSignal{RequestID: "x", Verb: schema.VerbApprove, Reviewer: "alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestQueue_Escalate(t *testing.T) {
	q, fs := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a1", "run-1", "deploy")))

	got, err := q.Decide(ctx, schema.ReviewSignal{RequestID: "a1", Verb: schema.VerbEscalate, Reviewer: "alice", Reason: "needs sre"})
	require.NoError(t, err)
	assert.Equal(t, schema.HitlStatusPending, got.Status)
	assert.Nil(t, got.Decision)

	audit, err := fs.ListAudit(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.AuditActionHitlEscalated, audit[0].Action)
	assert.Equal(t, "needs sre", audit[0].Metadata["reason"])

	// Still decidable.
	_, err = q.Decide(ctx, schema.ReviewSignal{RequestID: "a1", Verb: schema.VerbApprove, Reviewer: "sre"})
	assert.NoError(t, err)
}

func TestQueue_Expire(t *testing.T) {
	q, fs := newTestQueue(t)
	ctx := context.Background()

	due := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	for id, exp := range map[string]*time.Time{"due": &due, "later": &later, "never": nil} {
		r := newRequest(id, "run-1", "s-"+id)
		r.ExpiresAt = exp
		require.NoError(t, q.EnqueueApproval(ctx, r))
	}
	exc := newRequest("exc", "run-1", "s-exc")
	exc.ExpiresAt = &due
	require.NoError(t, q.EnqueueException(ctx, exc))

	expired, err := q.Expire(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "due", expired[0].RequestID)
	assert.Equal(t, schema.HitlStatusExpired, expired[0].Status)
	assert.Equal(t, SystemActor, expired[0].Decision.DecidedBy)

	got, _ := q.Get("exc")
	assert.Equal(t, schema.HitlStatusPending, got.Status, "exceptions never expire")

	again, err := q.Expire(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	audit, err := fs.ListAudit(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.AuditActionHitlExpired, audit[0].Action)
}

func TestQueue_Load(t *testing.T) {
	q, fs := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueApproval(ctx, newRequest("a1", "run-1", "s1")))
	require.NoError(t, q.EnqueueException(ctx, newRequest("e1", "run-1", "s2")))

	fresh := NewQueue(WithRequestStore(fs))
	n, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, fresh.Approvals(), 1)
	assert.Len(t, fresh.Exceptions(), 1)

	n, err = fresh.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = NewQueue().Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
