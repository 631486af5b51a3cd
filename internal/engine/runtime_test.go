package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewRuntime_RequiresStore(t *testing.T) {
	_, err := NewRuntime(RuntimeConfig{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRun_AllStepsSucceed(t *testing.T) {
	f := newFixture(t)
	collect, apply, notify := succeed("ctx://snapshot"), succeed(), succeed()
	handlers := Handlers{"collect": collect, "apply": apply, "notify": notify}
	run := newRun("run-ok")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(""), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.Workflow.CompletedAt)
	assert.Equal(t, f.store.Location("run-ok"), res.Location)
	assert.Nil(t, res.Request)

	for _, id := range []string{"collect-context", "apply-change", "notify"} {
		rec := stepRecord(t, run, id)
		assert.Equal(t, schema.StepStatusSuccess, rec.Status, id)
		assert.Equal(t, 1, rec.Attempts, id)
		assert.NotNil(t, rec.StartedAt, id)
		assert.NotNil(t, rec.CompletedAt, id)
		assert.Empty(t, rec.LastError, id)
	}
	assert.Equal(t, []string{"ctx://snapshot"}, stepRecord(t, run, "collect-context").Outputs)

	loaded, err := f.store.Load(context.Background(), "run-ok")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, loaded.Workflow.Status)
	assert.Len(t, loaded.Workflow.Steps, 3)

	actions := f.recorder.Actions()
	assert.Equal(t, schema.EventWorkflowStarted, actions[0])
	assert.Equal(t, schema.EventWorkflowCompleted, actions[len(actions)-1])
}

func TestRun_QueueExceptionAfterRetries(t *testing.T) {
	f := newFixture(t)
	collect, apply, notify := succeed(), failWith("change window closed"), succeed()
	handlers := Handlers{"collect": collect, "apply": apply, "notify": notify}
	run := newRun("run-exc")

	start := time.Now()
	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeQueueException), handlers, run)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, schema.WorkflowStatusWaitingHitl, res.Status)
	assert.Equal(t, schema.RunStatusPartial, run.Status)
	assert.Nil(t, run.Workflow.CompletedAt)

	rec := stepRecord(t, run, "apply-change")
	assert.Equal(t, schema.StepStatusWaitingHitl, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, []int{1, 2}, apply.attempts)
	assert.Equal(t, "change window closed", rec.LastError)
	assert.Equal(t, schema.StepStatusPending, stepRecord(t, run, "notify").Status)
	assert.Zero(t, notify.Calls())

	exceptions := f.queue.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Empty(t, f.queue.Approvals())
	req := exceptions[0]
	assert.Equal(t, rec.HitlRequestID, req.RequestID)
	assert.Equal(t, schema.HitlTypeException, req.Kind)
	assert.Equal(t, "run-exc", req.RunID)
	assert.Equal(t, "apply-change", req.StepID)
	assert.Equal(t, "pb-change", req.PlaybookID)
	assert.Equal(t, "ops-bot", req.Requester)
	assert.Equal(t, "HITL required for Apply change", req.Summary)
	assert.Equal(t, schema.HitlStatusPending, req.Status)
	require.NotNil(t, res.Request)
	assert.Equal(t, req.RequestID, res.Request.RequestID)

	audit, err := f.store.ListAudit(context.Background(), "run-exc")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.AuditActionExceptionQueued, audit[0].Action)
	assert.Equal(t, "apply-change", audit[0].Target)
	assert.Equal(t, "ops-bot", audit[0].Actor)
	assert.Equal(t, req.RequestID, audit[0].Metadata["request_id"])
	assert.Equal(t, "change window closed", audit[0].Metadata["last_error"])
}

func TestRun_HaltStopsWorkflow(t *testing.T) {
	f := newFixture(t)
	collect, apply, notify := succeed(), failWith("boom"), succeed()
	handlers := Handlers{"collect": collect, "apply": apply, "notify": notify}
	run := newRun("run-halt")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeHalt), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
	assert.Equal(t, schema.RunStatusFailure, run.Status)
	assert.NotNil(t, run.Workflow.CompletedAt)
	assert.Equal(t, schema.StepStatusFailure, stepRecord(t, run, "apply-change").Status)
	assert.Equal(t, 2, stepRecord(t, run, "apply-change").Attempts)
	assert.Equal(t, schema.StepStatusPending, stepRecord(t, run, "notify").Status)
	assert.Zero(t, notify.Calls())
	assert.Empty(t, f.queue.All())
}

func TestRun_DefaultFailureModeHalts(t *testing.T) {
	f := newFixture(t)
	handlers := Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": succeed()}
	run := newRun("run-default")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(""), handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
}

func TestRun_ContinueYieldsPartial(t *testing.T) {
	f := newFixture(t)
	notify := succeed()
	handlers := Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": notify}
	run := newRun("run-continue")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeContinue), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, schema.RunStatusPartial, run.Status)
	assert.NotNil(t, run.Workflow.CompletedAt)
	assert.Equal(t, schema.StepStatusFailure, stepRecord(t, run, "apply-change").Status)
	assert.Equal(t, schema.StepStatusSuccess, stepRecord(t, run, "notify").Status)
	assert.Equal(t, 1, notify.Calls())
}

func TestRun_RetrySucceedsOnSecondAttempt(t *testing.T) {
	f := newFixture(t)
	apply := scripted(schema.Failed("flaky"), schema.Succeeded("change://42"))
	handlers := Handlers{"collect": succeed(), "apply": apply, "notify": succeed()}
	run := newRun("run-retry")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeHalt), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	rec := stepRecord(t, run, "apply-change")
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, []string{"change://42"}, rec.Outputs)
	assert.Contains(t, f.recorder.Actions(), schema.EventStepRetrying)
}

func TestRun_MissingHandlerIsStepFailure(t *testing.T) {
	f := newFixture(t)
	handlers := Handlers{"collect": succeed(), "notify": succeed()}
	run := newRun("run-missing")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeContinue), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	rec := stepRecord(t, run, "apply-change")
	assert.Equal(t, schema.StepStatusFailure, rec.Status)
	assert.Equal(t, "No handler registered for apply", rec.LastError)
	assert.Zero(t, rec.Attempts)
	assert.Equal(t, schema.StepStatusSuccess, stepRecord(t, run, "notify").Status)
}

func TestRun_MissingHandlerHaltsByDefault(t *testing.T) {
	f := newFixture(t)
	run := newRun("run-missing-halt")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(""), Handlers{"collect": succeed()}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
	assert.Equal(t, schema.RunStatusFailure, run.Status)
}

func TestRun_HandlerPanicAndErrorAreCaptured(t *testing.T) {
	f := newFixture(t)
	calls := 0
	apply := StepFunc(func(context.Context, *schema.WorkflowStepDefinition, *schema.RunRecord, int) (schema.StepOutcome, error) {
		calls++
		if calls == 1 {
			panic("nil map write")
		}
		return schema.StepOutcome{}, errors.New("connection reset")
	})
	handlers := Handlers{"collect": succeed(), "apply": apply, "notify": succeed()}
	run := newRun("run-panic")

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeContinue), handlers, run)
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 2, calls)
	rec := stepRecord(t, run, "apply-change")
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "handler_exception: connection reset", rec.LastError)
}

func TestRun_FailureWithoutMessageGetsDefault(t *testing.T) {
	f := newFixture(t)
	handlers := Handlers{"collect": scripted(schema.StepOutcome{Status: schema.OutcomeFailure})}
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-one",
		Name:       "One",
		Steps:      []schema.WorkflowStepDefinition{{StepID: "collect-context", Name: "Collect", Action: "collect"}},
	}
	run := newRun("run-default-msg")

	_, err := f.runtime.Run(context.Background(), def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, "Workflow step failed.", stepRecord(t, run, "collect-context").LastError)
}

func approvalWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "wf-approval",
		Name:       "Gated deploy",
		Steps: []schema.WorkflowStepDefinition{
			{StepID: "plan", Name: "Plan", Action: "plan"},
			{
				StepID: "deploy",
				Name:   "Deploy",
				Action: "deploy",
				Hitl: &schema.StepHitl{
					Type:        schema.HitlTypeApproval,
					Summary:     "Approve production deploy",
					ContextRefs: []string{"runs/run-approval/plan.json"},
				},
			},
		},
	}
}

func TestRun_ApprovalGateSuspendsBeforeHandler(t *testing.T) {
	f := newFixture(t)
	deploy := succeed("deploy://1")
	handlers := Handlers{"plan": succeed(), "deploy": deploy}
	run := newRun("run-approval")
	def := approvalWorkflow()
	ctx := context.Background()

	res, err := f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusWaitingHitl, res.Status)
	assert.Zero(t, deploy.Calls())

	rec := stepRecord(t, run, "deploy")
	assert.Equal(t, schema.StepStatusWaitingHitl, rec.Status)
	assert.Zero(t, rec.Attempts)

	approvals := f.queue.Approvals()
	require.Len(t, approvals, 1)
	assert.Equal(t, rec.HitlRequestID, approvals[0].RequestID)
	assert.Equal(t, "Approve production deploy", approvals[0].Summary)
	assert.Equal(t, []string{"runs/run-approval/plan.json"}, approvals[0].ContextRefs)
	assert.Nil(t, approvals[0].ExpiresAt)

	audit, err := f.store.ListAudit(ctx, "run-approval")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.AuditActionApprovalRequested, audit[0].Action)
	assert.Equal(t, "Approve production deploy", audit[0].Metadata["summary"])

	// Still waiting: a second call changes nothing.
	before := f.recorder.Actions()
	res, err = f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusWaitingHitl, res.Status)
	assert.Nil(t, res.Request)
	assert.Equal(t, before, f.recorder.Actions())

	decided, err := f.queue.Decide(ctx, schema.ReviewSignal{RequestID: rec.HitlRequestID, Verb: schema.VerbApprove, Reviewer: "bob"})
	require.NoError(t, err)
	updated, err := f.runtime.ResolveDecision(ctx, run, decided)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, updated.Status)
	assert.Equal(t, decided.RequestID, updated.HitlRequestID)

	res, err = f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, 1, deploy.Calls())
	assert.Len(t, f.queue.Approvals(), 1, "approved gate must not be re-enqueued")
	assert.Equal(t, []string{"deploy://1"}, stepRecord(t, run, "deploy").Outputs)
}

func TestRun_ApprovalRejectedFailsStep(t *testing.T) {
	f := newFixture(t)
	deploy := succeed()
	handlers := Handlers{"plan": succeed(), "deploy": deploy}
	run := newRun("run-reject")
	def := approvalWorkflow()
	ctx := context.Background()

	_, err := f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	reqID := stepRecord(t, run, "deploy").HitlRequestID

	decided, err := f.queue.Decide(ctx, schema.ReviewSignal{RequestID: reqID, Verb: schema.VerbReject, Reviewer: "bob", Reason: "freeze"})
	require.NoError(t, err)
	updated, err := f.runtime.ResolveDecision(ctx, run, decided)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailure, updated.Status)
	assert.Equal(t, "hitl request "+reqID+" rejected: freeze", updated.LastError)
	assert.NotNil(t, updated.CompletedAt)

	res, err := f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
	assert.Equal(t, schema.RunStatusFailure, run.Status)
	assert.Zero(t, deploy.Calls())
	assert.Contains(t, f.recorder.Actions(), schema.EventHitlDecided)
}

func TestRun_DeclinedApprovalFollowsFailureMode(t *testing.T) {
	cases := []struct {
		mode     schema.FailureMode
		status   schema.WorkflowStatus
		notified int
	}{
		{"", schema.WorkflowStatusFailure, 0},
		{schema.FailureModeHalt, schema.WorkflowStatusFailure, 0},
		{schema.FailureModeContinue, schema.WorkflowStatusPartial, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode)+"-mode", func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			deploy := succeed()
			notify := succeed()
			handlers := Handlers{"plan": succeed(), "deploy": deploy, "notify": notify}
			def := approvalWorkflow()
			def.Steps[1].OnFailure = tc.mode
			def.Steps = append(def.Steps, schema.WorkflowStepDefinition{StepID: "notify", Name: "Notify", Action: "notify"})
			run := newRun("run-declined")

			_, err := f.runtime.Run(ctx, def, handlers, run)
			require.NoError(t, err)
			reqID := stepRecord(t, run, "deploy").HitlRequestID

			decided, err := f.queue.Decide(ctx, schema.ReviewSignal{RequestID: reqID, Verb: schema.VerbReject, Reviewer: "bob"})
			require.NoError(t, err)
			_, err = f.runtime.ResolveDecision(ctx, run, decided)
			require.NoError(t, err)

			res, err := f.runtime.Run(ctx, def, handlers, run)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Zero(t, deploy.Calls())
			assert.Equal(t, tc.notified, notify.Calls())

			// Running the settled workflow again changes nothing.
			res, err = f.runtime.Run(ctx, def, handlers, run)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.notified, notify.Calls())
		})
	}
}

func TestRun_ResetReopensHaltedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notify := succeed()
	run := newRun("run-reopen")

	_, err := f.runtime.Run(ctx, changeWorkflow(schema.FailureModeHalt),
		Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": notify}, run)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusFailure, run.Workflow.Status)

	_, err = f.runtime.UpdateStepStatus(ctx, run, "apply-change", schema.StepStatusPending)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPending, run.Workflow.Status)
	assert.Nil(t, run.Workflow.CompletedAt)

	stored, err := f.store.Load(ctx, "run-reopen")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPending, stored.Workflow.Status)

	res, err := f.runtime.Run(ctx, changeWorkflow(schema.FailureModeHalt),
		Handlers{"collect": succeed(), "apply": succeed(), "notify": notify}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, notify.Calls())
}

func TestRun_ApprovalTTLSetsExpiry(t *testing.T) {
	f := newFixture(t, func(c *RuntimeConfig) { c.ApprovalTTL = time.Hour })
	run := newRun("run-ttl")

	res, err := f.runtime.Run(context.Background(), approvalWorkflow(), Handlers{"plan": succeed(), "deploy": succeed()}, run)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	require.NotNil(t, res.Request.ExpiresAt)
	assert.Equal(t, time.Hour, res.Request.ExpiresAt.Sub(res.Request.RequestedAt))
}

func TestRun_HitlWithoutQueueIsSetupError(t *testing.T) {
	f := newFixture(t, withoutQueue())
	run := newRun("run-noqueue")

	res, err := f.runtime.Run(context.Background(), approvalWorkflow(), Handlers{"plan": succeed(), "deploy": succeed()}, run)
	requireCode(t, err, schema.ErrCodeHitlNotConfigured)
	require.NotNil(t, res)
	assert.Equal(t, schema.WorkflowStatusFailure, run.Workflow.Status)
	assert.Equal(t, schema.StepStatusFailure, stepRecord(t, run, "deploy").Status)
	assert.Contains(t, stepRecord(t, run, "deploy").LastError, "no queue configured")
}

func TestRun_AuditFailureQueuesNothing(t *testing.T) {
	f := newFixture(t, func(c *RuntimeConfig) { c.Audit = failingAudit{} })
	ctx := context.Background()
	run := newRun("run-audit-fail")

	_, err := f.runtime.Run(ctx, approvalWorkflow(), Handlers{"plan": succeed(), "deploy": succeed()}, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit unavailable")
	assert.Empty(t, f.queue.Approvals())
	assert.Equal(t, schema.WorkflowStatusFailure, run.Workflow.Status)
	assert.Empty(t, stepRecord(t, run, "deploy").HitlRequestID)

	stored, err := f.store.ListRequests(ctx, store.RequestFilter{RunID: "run-audit-fail"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRun_MitigationRetriesStep(t *testing.T) {
	f := newFixture(t)
	apply := scripted(schema.Failed("locked"), schema.Failed("locked"), schema.Succeeded())
	handlers := Handlers{"collect": succeed(), "apply": apply, "notify": succeed()}
	def := changeWorkflow(schema.FailureModeQueueException)
	ctx := context.Background()

	_, err := f.runtime.Run(ctx, def, handlers, newRun("run-mitigate"))
	require.NoError(t, err)

	// Resume from the store like a separate process would.
	run, err := f.store.Load(ctx, "run-mitigate")
	require.NoError(t, err)
	reqID := stepRecord(t, run, "apply-change").HitlRequestID
	decided, err := f.queue.Decide(ctx, schema.ReviewSignal{RequestID: reqID, Verb: schema.VerbRequestMitigation, Reviewer: "bob"})
	require.NoError(t, err)

	updated, err := f.runtime.ResolveDecision(ctx, run, decided)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, updated.Status)
	assert.Zero(t, updated.Attempts)

	res, err := f.runtime.Resume(ctx, def, handlers, "run-mitigate")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, 1, stepRecord(t, res.Run, "apply-change").Attempts)
	assert.Equal(t, 3, apply.Calls())
	assert.Len(t, f.queue.Exceptions(), 1)
}

func TestRun_ExceptionApprovedCountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	notify := succeed()
	handlers := Handlers{"collect": succeed(), "apply": failWith("drift"), "notify": notify}
	def := changeWorkflow(schema.FailureModeQueueException)
	run := newRun("run-exc-approve")
	ctx := context.Background()

	_, err := f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	decided, err := f.queue.Decide(ctx, schema.ReviewSignal{
		RequestID: stepRecord(t, run, "apply-change").HitlRequestID, Verb: schema.VerbApprove, Reviewer: "bob",
	})
	require.NoError(t, err)
	_, err = f.runtime.ResolveDecision(ctx, run, decided)
	require.NoError(t, err)

	res, err := f.runtime.Run(ctx, def, handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, 1, notify.Calls())
}

func TestRun_TerminalRunIsIdempotent(t *testing.T) {
	for _, mode := range []schema.FailureMode{schema.FailureModeHalt, schema.FailureModeContinue, ""} {
		t.Run(string(mode)+"-mode", func(t *testing.T) {
			f := newFixture(t)
			apply := failWith("boom")
			notify := succeed()
			handlers := Handlers{"collect": succeed(), "apply": apply, "notify": notify}
			run := newRun("run-idem")
			def := changeWorkflow(mode)

			_, err := f.runtime.Run(context.Background(), def, handlers, run)
			require.NoError(t, err)
			require.True(t, run.Workflow.Status.IsTerminal())

			before, err := json.Marshal(run)
			require.NoError(t, err)
			status := run.Status
			events := len(f.recorder.Events())
			calls := apply.Calls()
			notified := notify.Calls()

			res, err := f.runtime.Run(context.Background(), def, handlers, run)
			require.NoError(t, err)

			after, err := json.Marshal(run)
			require.NoError(t, err)
			assert.JSONEq(t, string(before), string(after))
			assert.Equal(t, status, run.Status)
			assert.Equal(t, run.Workflow.Status, res.Status)
			assert.Equal(t, events, len(f.recorder.Events()))
			assert.Equal(t, calls, apply.Calls())
			assert.Equal(t, notified, notify.Calls())
			if mode != schema.FailureModeContinue {
				assert.Zero(t, notify.Calls(), "a halted workflow never reaches later steps")
				assert.Equal(t, schema.StepStatusPending, stepRecord(t, run, "notify").Status)
			}
		})
	}
}

func TestRun_CancelDuringRetryDelay(t *testing.T) {
	f := newFixture(t)
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-slow",
		Name:       "Slow retry",
		Steps: []schema.WorkflowStepDefinition{{
			StepID: "apply", Name: "Apply", Action: "apply",
			Retry: &schema.StepRetry{MaxAttempts: 3, DelayMS: 60_000},
		}},
	}
	run := newRun("run-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.runtime.Run(ctx, def, Handlers{"apply": failWith("busy")}, run)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	loaded, err := f.store.Load(context.Background(), "run-cancel")
	require.NoError(t, err)
	rec, ok := loaded.Workflow.Step("apply")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, schema.StepStatusRunning, rec.Status)
	assert.Equal(t, "busy", rec.LastError)
}

func TestRun_ResumeInterruptedStepKeepsBudget(t *testing.T) {
	f := newFixture(t)
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-resume",
		Name:       "Resume",
		Steps: []schema.WorkflowStepDefinition{{
			StepID: "apply", Name: "Apply", Action: "apply",
			Retry: &schema.StepRetry{MaxAttempts: 2},
		}},
	}
	run := newRun("run-interrupted")
	run.Workflow = newWorkflowRecord(def, testStart)
	run.Workflow.Status = schema.WorkflowStatusRunning
	run.Workflow.Steps[0].Status = schema.StepStatusRunning
	run.Workflow.Steps[0].Attempts = 2
	run.Workflow.Steps[0].LastError = "lost worker"

	apply := succeed()
	res, err := f.runtime.Run(context.Background(), def, Handlers{"apply": apply}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
	assert.Zero(t, apply.Calls())
	assert.Equal(t, 2, stepRecord(t, run, "apply").Attempts)
	assert.Equal(t, "lost worker", stepRecord(t, run, "apply").LastError)
}

func TestRun_InvalidDefinition(t *testing.T) {
	f := newFixture(t)
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-dup",
		Name:       "Dup",
		Steps: []schema.WorkflowStepDefinition{
			{StepID: "a", Name: "A", Action: "x"},
			{StepID: "a", Name: "A again", Action: "x"},
		},
	}
	_, err := f.runtime.Run(context.Background(), def, Handlers{}, newRun("run-dup"))
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = f.runtime.Run(context.Background(), nil, Handlers{}, newRun("run-nil"))
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = f.runtime.Run(context.Background(), changeWorkflow(""), Handlers{}, nil)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRun_NewWorkflowReplacesOtherWorkflowState(t *testing.T) {
	f := newFixture(t)
	run := newRun("run-switch")
	_, err := f.runtime.Run(context.Background(), approvalWorkflow(), Handlers{"plan": succeed(), "deploy": succeed()}, run)
	require.NoError(t, err)
	require.Equal(t, "wf-approval", run.Workflow.WorkflowID)

	handlers := Handlers{"collect": succeed(), "apply": succeed(), "notify": succeed()}
	res, err := f.runtime.Run(context.Background(), changeWorkflow(""), handlers, run)
	require.NoError(t, err)
	assert.Equal(t, "wf-change", run.Workflow.WorkflowID)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Len(t, run.Workflow.Steps, 3)
}

func TestRun_DefinitionGrowthAlignsSteps(t *testing.T) {
	f := newFixture(t)
	def := changeWorkflow("")
	def.Steps = def.Steps[:2]
	handlers := Handlers{"collect": succeed(), "apply": succeed(), "notify": succeed()}
	run := newRun("run-grow")

	_, err := f.runtime.Run(context.Background(), def, handlers, run)
	require.NoError(t, err)
	require.Len(t, run.Workflow.Steps, 2)

	res, err := f.runtime.Run(context.Background(), changeWorkflow(""), handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	require.Len(t, run.Workflow.Steps, 3)
	assert.Equal(t, "notify", run.Workflow.Steps[2].StepID)
	assert.Equal(t, schema.StepStatusSuccess, run.Workflow.Steps[2].Status)
}

func TestRun_DefinitionGrowthKeepsHaltedWorkflow(t *testing.T) {
	f := newFixture(t)
	def := changeWorkflow(schema.FailureModeHalt)
	def.Steps = def.Steps[:2]
	notify := succeed()
	handlers := Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": notify}
	run := newRun("run-grow-halted")

	_, err := f.runtime.Run(context.Background(), def, handlers, run)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusFailure, run.Workflow.Status)

	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeHalt), handlers, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailure, res.Status)
	require.Len(t, run.Workflow.Steps, 3)
	assert.Equal(t, schema.StepStatusPending, run.Workflow.Steps[2].Status)
	assert.Zero(t, notify.Calls())
}

func TestRun_RecorderFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, func(c *RuntimeConfig) { c.Recorder = failingRecorder{} })
	res, err := f.runtime.Run(context.Background(), changeWorkflow(""),
		Handlers{"collect": succeed(), "apply": succeed(), "notify": succeed()}, newRun("run-rec"))
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
}

func TestRun_TraceReplaysToStepRecords(t *testing.T) {
	f := newFixture(t)
	handlers := Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": succeed()}
	run := newRun("run-replay")

	_, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeQueueException), handlers, run)
	require.NoError(t, err)

	replayed := store.ReplaySteps(f.recorder.Events())
	for _, rec := range run.Workflow.Steps {
		if rec.Status == schema.StepStatusPending {
			assert.NotContains(t, replayed, rec.StepID)
			continue
		}
		got, ok := replayed[rec.StepID]
		require.True(t, ok, rec.StepID)
		assert.Equal(t, rec.Status, got.Status, rec.StepID)
		assert.Equal(t, rec.Attempts, got.Attempts, rec.StepID)
		assert.Equal(t, rec.HitlRequestID, got.HitlRequestID, rec.StepID)
	}
}

func TestRun_SpansAndDerivedTrace(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, func(c *RuntimeConfig) { c.Tracer = tp.Tracer("test") })
	run := newRun("run-spans")
	_, err := f.runtime.Run(context.Background(), changeWorkflow(""),
		Handlers{"collect": succeed(), "apply": succeed(), "notify": succeed()}, run)
	require.NoError(t, err)

	assert.NotEmpty(t, run.Trace.TraceID)
	assert.NotEmpty(t, run.Trace.SpanID)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
		assert.Equal(t, run.Trace.TraceID, s.SpanContext().TraceID().String())
	}
	assert.Equal(t, 1, names["workflow.run"])
	assert.Equal(t, 3, names["workflow.step"])
}

func TestRun_KeepsCallerTrace(t *testing.T) {
	f := newFixture(t)
	run := newRun("run-trace")
	run.Trace = schema.RunTrace{TraceID: "trace-1", SpanID: "span-1"}
	_, err := f.runtime.Run(context.Background(), changeWorkflow(""),
		Handlers{"collect": succeed(), "apply": succeed(), "notify": succeed()}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.RunTrace{TraceID: "trace-1", SpanID: "span-1"}, run.Trace)
}

func TestRun_SameRunSerialized(t *testing.T) {
	f := newFixture(t)
	inFlight := make(chan struct{}, 2)
	maxSeen := 0
	slow := StepFunc(func(context.Context, *schema.WorkflowStepDefinition, *schema.RunRecord, int) (schema.StepOutcome, error) {
		inFlight <- struct{}{}
		if n := len(inFlight); n > maxSeen {
			maxSeen = n
		}
		time.Sleep(20 * time.Millisecond)
		<-inFlight
		return schema.Succeeded(), nil
	})
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-serial",
		Name:       "Serial",
		Steps:      []schema.WorkflowStepDefinition{{StepID: "s", Name: "S", Action: "slow"}},
	}
	run := newRun("run-serial")

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := f.runtime.Run(context.Background(), def, Handlers{"slow": slow}, run)
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 1, stepRecord(t, run, "s").Attempts)
	assert.Zero(t, f.runtime.locks.size())
}
