package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

// --- Step transitions ---

func TestCheckStepTransition_Valid(t *testing.T) {
	cases := []struct{ from, to schema.StepStatus }{
		{schema.StepStatusPending, schema.StepStatusRunning},
		{schema.StepStatusPending, schema.StepStatusSkipped},
		{schema.StepStatusRunning, schema.StepStatusSuccess},
		{schema.StepStatusRunning, schema.StepStatusWaitingHitl},
		{schema.StepStatusWaitingHitl, schema.StepStatusPending},
		{schema.StepStatusWaitingHitl, schema.StepStatusFailure},
		{schema.StepStatusSuccess, schema.StepStatusPending},
		{schema.StepStatusFailure, schema.StepStatusPending},
		{schema.StepStatusSkipped, schema.StepStatusPending},
		{schema.StepStatusFailure, schema.StepStatusFailure},
	}
	for _, tc := range cases {
		assert.NoError(t, CheckStepTransition("s", tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckStepTransition_Invalid(t *testing.T) {
	cases := []struct{ from, to schema.StepStatus }{
		{schema.StepStatusPending, schema.StepStatusSuccess},
		{schema.StepStatusPending, schema.StepStatusWaitingHitl},
		{schema.StepStatusSuccess, schema.StepStatusFailure},
		{schema.StepStatusFailure, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusSuccess},
	}
	for _, tc := range cases {
		err := CheckStepTransition("s", tc.from, tc.to)
		requireCode(t, err, schema.ErrCodeInvalidTransition)
		var se *schema.StewardError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "s", se.StepID)
		assert.Equal(t, string(tc.from), se.Details["from"])
	}
}

// --- Workflow transitions ---

func TestCheckWorkflowTransition(t *testing.T) {
	require.NoError(t, CheckWorkflowTransition("wf", schema.WorkflowStatusPending, schema.WorkflowStatusRunning))
	require.NoError(t, CheckWorkflowTransition("wf", schema.WorkflowStatusRunning, schema.WorkflowStatusWaitingHitl))
	require.NoError(t, CheckWorkflowTransition("wf", schema.WorkflowStatusWaitingHitl, schema.WorkflowStatusRunning))
	require.NoError(t, CheckWorkflowTransition("wf", schema.WorkflowStatusPartial, schema.WorkflowStatusPending))
	require.NoError(t, CheckWorkflowTransition("wf", schema.WorkflowStatusFailure, schema.WorkflowStatusPending))

	requireCode(t, CheckWorkflowTransition("wf", schema.WorkflowStatusPending, schema.WorkflowStatusSuccess), schema.ErrCodeInvalidTransition)
	requireCode(t, CheckWorkflowTransition("wf", schema.WorkflowStatusWaitingHitl, schema.WorkflowStatusSuccess), schema.ErrCodeInvalidTransition)
	requireCode(t, CheckWorkflowTransition("wf", schema.WorkflowStatusSuccess, schema.WorkflowStatusFailure), schema.ErrCodeInvalidTransition)
	requireCode(t, CheckWorkflowTransition("wf", schema.WorkflowStatusFailure, schema.WorkflowStatusRunning), schema.ErrCodeInvalidTransition)
	requireCode(t, CheckWorkflowTransition("wf", schema.WorkflowStatusPartial, schema.WorkflowStatusRunning), schema.ErrCodeInvalidTransition)
}

func TestRunStatusFor(t *testing.T) {
	assert.Equal(t, schema.RunStatusSuccess, RunStatusFor(schema.WorkflowStatusSuccess))
	assert.Equal(t, schema.RunStatusFailure, RunStatusFor(schema.WorkflowStatusFailure))
	for _, s := range []schema.WorkflowStatus{
		schema.WorkflowStatusPending, schema.WorkflowStatusRunning,
		schema.WorkflowStatusWaitingHitl, schema.WorkflowStatusPartial,
	} {
		assert.Equal(t, schema.RunStatusPartial, RunStatusFor(s), s)
	}
}

// --- UpdateStepStatus ---

func finishedRun(t *testing.T, f *fixture, id string) *schema.RunRecord {
	t.Helper()
	run := newRun(id)
	_, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeContinue),
		Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": succeed()}, run)
	require.NoError(t, err)
	return run
}

func TestUpdateStepStatus_ResetTerminalStep(t *testing.T) {
	f := newFixture(t)
	run := finishedRun(t, f, "run-reset")

	rec, err := f.runtime.UpdateStepStatus(context.Background(), run, "apply-change", schema.StepStatusPending)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Nil(t, rec.CompletedAt)

	loaded, err := f.store.Load(context.Background(), "run-reset")
	require.NoError(t, err)
	stored, ok := loaded.Workflow.Step("apply-change")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusPending, stored.Status)

	events := f.recorder.Events()
	last := events[len(events)-1]
	assert.Equal(t, schema.EventStepReset, last.Action)
	assert.Equal(t, "failure", last.Metadata["from"])
	assert.Equal(t, "pending", last.Metadata["status"])

	// The reset step runs again with a fresh budget.
	apply := succeed()
	res, err := f.runtime.Run(context.Background(), changeWorkflow(schema.FailureModeContinue),
		Handlers{"collect": succeed(), "apply": apply, "notify": succeed()}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Equal(t, 1, apply.Calls())
}

func TestUpdateStepStatus_RejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	run := finishedRun(t, f, "run-invalid")

	_, err := f.runtime.UpdateStepStatus(context.Background(), run, "notify", schema.StepStatusFailure)
	requireCode(t, err, schema.ErrCodeInvalidTransition)
	assert.Equal(t, schema.StepStatusSuccess, stepRecord(t, run, "notify").Status)
}

func TestUpdateStepStatus_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.runtime.UpdateStepStatus(context.Background(), newRun("run-bare"), "x", schema.StepStatusPending)
	requireCode(t, err, schema.ErrCodeMissingWorkflow)
	assert.Contains(t, err.Error(), "Run record is missing workflow state.")

	run := finishedRun(t, f, "run-nostep")
	_, err = f.runtime.UpdateStepStatus(context.Background(), run, "ghost", schema.StepStatusPending)
	requireCode(t, err, schema.ErrCodeNotFound)
	assert.Contains(t, err.Error(), "Missing workflow step record for ghost")
}

func TestUpdateStepStatus_SkipPendingStep(t *testing.T) {
	f := newFixture(t)
	def := changeWorkflow(schema.FailureModeQueueException)
	run := newRun("run-skip")
	_, err := f.runtime.Run(context.Background(), def,
		Handlers{"collect": succeed(), "apply": failWith("boom"), "notify": succeed()}, run)
	require.NoError(t, err)

	_, err = f.runtime.UpdateStepStatus(context.Background(), run, "notify", schema.StepStatusSkipped)
	require.NoError(t, err)
	_, err = f.runtime.UpdateStepStatus(context.Background(), run, "apply-change", schema.StepStatusSuccess)
	require.NoError(t, err)

	notify := succeed()
	res, err := f.runtime.Run(context.Background(), def,
		Handlers{"collect": succeed(), "apply": succeed(), "notify": notify}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.Status)
	assert.Zero(t, notify.Calls())
}
