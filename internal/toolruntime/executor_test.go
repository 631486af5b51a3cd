package toolruntime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu     sync.Mutex
	events []*schema.TraceEvent
}

func (r *memRecorder) AppendTrace(_ context.Context, ev *schema.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

func testManifest() schema.ToolManifest {
	return schema.ToolManifest{
		ManifestID: "ops-tools",
		Name:       "Ops tools",
		Version:    "1.0.0",
		Owner:      "platform",
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "2026-01-02T00:00:00Z",
		Tools: []schema.ToolDefinition{
			{
				ToolID:        "echo",
				Name:          "Echo",
				Description:   "Returns its input",
				Version:       "1.0.0",
				ExecutionLane: "inline",
				Contract: schema.ToolContract{
					RequestSchema: map[string]any{
						"type":       "object",
						"required":   []any{"message"},
						"properties": map[string]any{"message": map[string]any{"type": "string", "minLength": 1}},
					},
					ResponseSchema: map[string]any{
						"type":     "object",
						"required": []any{"message"},
					},
				},
				Governance: schema.ToolGovernance{Level: schema.LevelA0},
			},
			{
				ToolID:        "fs.write",
				Name:          "Write file",
				Description:   "Writes a file in the workspace",
				Version:       "2.1.0",
				ExecutionLane: "process",
				Contract: schema.ToolContract{
					RequestSchema:  map[string]any{"type": "object"},
					ResponseSchema: map[string]any{"type": "object"},
				},
				Governance:  schema.ToolGovernance{Level: schema.LevelA2, RequiresRunLogging: true},
				Constraints: &schema.ToolConstraints{TimeoutSeconds: 1},
				PolicyRefs:  []string{"sbx-write"},
			},
			{
				ToolID:        "deploy",
				Name:          "Deploy",
				Description:   "Deploys a release",
				Version:       "1.0.0",
				ExecutionLane: "python",
				Contract: schema.ToolContract{
					RequestSchema:  map[string]any{"type": "object"},
					ResponseSchema: map[string]any{"type": "object"},
				},
				Governance: schema.ToolGovernance{Level: schema.LevelA1, RequiresHitl: true},
			},
		},
	}
}

func testSandbox(id, lane string) schema.ExecutionSandbox {
	return schema.ExecutionSandbox{
		SandboxID:     id,
		Name:          "Sandbox " + id,
		Version:       "1.0.0",
		Owner:         "platform",
		CreatedAt:     "2026-01-01T00:00:00Z",
		UpdatedAt:     "2026-01-01T00:00:00Z",
		ExecutionLane: lane,
		Filesystem:    schema.SandboxFilesystem{Mode: schema.FilesystemReadWrite, ReadPaths: []string{"/workspace"}, WritePaths: []string{"/workspace/out"}},
		Network:       schema.SandboxNetwork{Mode: schema.NetworkDenyAll, AllowHosts: []string{}, AllowPorts: []int{}},
		Environment:   schema.SandboxEnvironment{Allowlist: []string{"PATH"}},
		Resources:     schema.SandboxResources{CPUCores: 1, MemoryMB: 128, TimeoutSeconds: 30},
		Logging:       schema.SandboxLogging{RedactPatterns: []string{}},
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, input map[string]any, _ HandlerContext) (HandlerResult, error) {
		return Success(map[string]any{"message": input["message"]}), nil
	})
}

func newExecutor(t *testing.T, handlers map[string]Handler, mutate ...func(*Options)) (*Executor, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	opts := Options{
		Manifest:  testManifest(),
		Sandboxes: []schema.ExecutionSandbox{testSandbox("sbx-write", "process")},
		Handlers:  handlers,
		IDs:       ids.Sequence("ev"),
		Clock:     ids.SteppingClock(testStart, time.Second),
		Recorder:  rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	exec, err := New(opts)
	require.NoError(t, err)
	return exec, rec
}

func request(toolID string, input map[string]any) schema.ToolInvocationRequest {
	return schema.ToolInvocationRequest{
		RequestID:   "req-1",
		RunID:       "run-1",
		ToolID:      toolID,
		RequestedAt: testStart,
		Caller:      "alice",
		Input:       input,
		Trace:       schema.RunTrace{TraceID: "trace-1", SpanID: "span-1"},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *schema.StewardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, code, se.Code)
}

func TestNew_RejectsInvalidManifest(t *testing.T) {
	m := testManifest()
	m.Version = "one"
	_, err := New(Options{Manifest: m})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestNew_RejectsInvalidSandbox(t *testing.T) {
	sb := testSandbox("sbx-write", "process")
	sb.Resources.TimeoutSeconds = 0
	_, err := New(Options{Manifest: testManifest(), Sandboxes: []schema.ExecutionSandbox{sb}})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestNew_RejectsUnparseableContract(t *testing.T) {
	m := testManifest()
	m.Tools[0].Contract.RequestSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "string", "pattern": "(unclosed"}},
	}
	_, err := New(Options{Manifest: m})
	require.Error(t, err)
}

func TestExecute_Success(t *testing.T) {
	exec, rec := newExecutor(t, map[string]Handler{"echo": echoHandler()})

	res, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
	require.NoError(t, err)

	assert.Equal(t, schema.OutcomeSuccess, res.Status)
	assert.Equal(t, map[string]any{"message": "hi"}, res.Output)
	assert.Nil(t, res.Error)
	assert.Nil(t, res.Sandbox)
	assert.Equal(t, "1.0.0", res.ToolVersion)
	assert.Equal(t, schema.RunTrace{TraceID: "trace-1", SpanID: "span-1"}, res.Trace)
	assert.True(t, res.FinishedAt.After(res.StartedAt))

	require.Len(t, res.RunEvents, 2)
	assert.Equal(t, schema.RunEventStart, res.RunEvents[0].Type)
	assert.Equal(t, schema.RunEventFinish, res.RunEvents[1].Type)
	assert.Equal(t, "none", res.RunEvents[0].Metadata["sandbox_id"])
	assert.Equal(t, "alice", res.RunEvents[0].Metadata["caller"])
	assert.Equal(t, "success", res.RunEvents[1].Metadata["status"])

	assert.Equal(t, []string{schema.EventToolInvoked, schema.EventToolCompleted}, rec.Actions())
}

func TestExecute_SetupErrors(t *testing.T) {
	exec, _ := newExecutor(t, map[string]Handler{"echo": echoHandler()})
	ctx := context.Background()

	_, err := exec.Execute(ctx, request("missing", nil))
	requireCode(t, err, schema.ErrCodeUnknownTool)
	assert.Contains(t, err.Error(), "Tool missing not found in manifest ops-tools")

	_, err = exec.Execute(ctx, request("fs.write", nil))
	requireCode(t, err, schema.ErrCodeMissingHandler)

	bad := request("echo", map[string]any{"message": "hi"})
	bad.Caller = ""
	_, err = exec.Execute(ctx, bad)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestExecute_UnsafeToolNeedsSandbox(t *testing.T) {
	exec, _ := newExecutor(t, map[string]Handler{"deploy": echoHandler()})
	_, err := exec.Execute(context.Background(), request("deploy", map[string]any{}))
	requireCode(t, err, schema.ErrCodeMissingSandbox)
	assert.Contains(t, err.Error(), "Sandbox policy required for unsafe tool deploy")
}

func TestExecute_RequestSchemaFailureSkipsHandler(t *testing.T) {
	called := false
	h := HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
		called = true
		return Success(nil), nil
	})
	exec, rec := newExecutor(t, map[string]Handler{"echo": h})

	res, err := exec.Execute(context.Background(), request("echo", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, schema.OutcomeFailure, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.InvocationSchemaValidationFailed, res.Error.Code)
	assert.Equal(t, "Tool request payload failed schema validation.", res.Error.Message)
	assert.Contains(t, res.Error.Details["issues"], "message")
	assert.Equal(t, map[string]any{}, res.Output)
	assert.Equal(t, []string{schema.EventToolInvoked, schema.EventToolFailed}, rec.Actions())
}

func TestExecute_ResponseSchemaFailure(t *testing.T) {
	h := HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
		return Success(map[string]any{"other": 1}), nil
	})
	exec, _ := newExecutor(t, map[string]Handler{"echo": h})

	res, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Status)
	assert.Equal(t, "Tool response payload failed schema validation.", res.Error.Message)
}

// looseResponse lets failure results with an empty output through the
// response contract.
func looseResponse(o *Options) {
	o.Manifest.Tools[0].Contract.ResponseSchema = map[string]any{"type": "object"}
}

func TestExecute_ErrorSchemaFailure(t *testing.T) {
	h := HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
		return Failure("", "no code"), nil
	})
	exec, _ := newExecutor(t, map[string]Handler{"echo": h}, looseResponse, func(o *Options) {
		o.Manifest.Tools[0].Contract.ErrorSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"code": map[string]any{"type": "string", "minLength": 1}},
		}
	})

	res, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, schema.InvocationSchemaValidationFailed, res.Error.Code)
	assert.Equal(t, "Tool error payload failed schema validation.", res.Error.Message)
}

func TestExecute_HandlerFailurePassesThrough(t *testing.T) {
	h := HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
		return Failure("not_found", "no such file"), nil
	})
	exec, rec := newExecutor(t, map[string]Handler{"echo": h}, looseResponse)

	res, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Status)
	assert.Equal(t, &schema.ToolInvocationError{Code: "not_found", Message: "no such file"}, res.Error)
	assert.Equal(t, []string{schema.EventToolInvoked, schema.EventToolFailed}, rec.Actions())
}

func TestExecute_HandlerErrorAndPanic(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		message string
	}{
		{
			name: "error",
			handler: HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
				return HandlerResult{}, errors.New("disk on fire")
			}),
			message: "disk on fire",
		},
		{
			name: "panic",
			handler: HandlerFunc(func(context.Context, map[string]any, HandlerContext) (HandlerResult, error) {
				panic("boom")
			}),
			message: "tool handler panicked: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newExecutor(t, map[string]Handler{"echo": tt.handler})
			res, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
			require.NoError(t, err)
			assert.Equal(t, schema.OutcomeFailure, res.Status)
			assert.Equal(t, schema.InvocationHandlerException, res.Error.Code)
			assert.Equal(t, tt.message, res.Error.Message)
			assert.Equal(t, map[string]any{}, res.Output)
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	stuck := HandlerFunc(func(ctx context.Context, _ map[string]any, hc HandlerContext) (HandlerResult, error) {
		assert.Equal(t, 1, hc.TimeoutSeconds)
		assert.NotNil(t, hc.Sandbox)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Success(nil), nil
	})
	exec, _ := newExecutor(t, map[string]Handler{"fs.write": stuck})

	res, err := exec.Execute(context.Background(), request("fs.write", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, schema.InvocationTimeout, res.Error.Code)
	assert.Contains(t, res.Error.Message, "exceeded timeout of 1s")
	require.NotNil(t, res.Sandbox)
	assert.Equal(t, "sbx-write", res.Sandbox.SandboxID)
}

func TestResolveSandbox(t *testing.T) {
	exec, _ := newExecutor(t, nil, func(o *Options) {
		o.Sandboxes = []schema.ExecutionSandbox{
			testSandbox("sbx-python", "python"),
			testSandbox("sbx-write", "process"),
			testSandbox("sbx-default", "inline"),
		}
		o.DefaultSandboxID = "sbx-default"
	})
	m := exec.Manifest()

	echo, _ := m.Tool("echo")
	assert.Nil(t, exec.ResolveSandbox(echo))

	write, _ := m.Tool("fs.write")
	assert.Equal(t, "sbx-write", exec.ResolveSandbox(write).SandboxID)

	deploy, _ := m.Tool("deploy")
	assert.Equal(t, "sbx-default", exec.ResolveSandbox(deploy).SandboxID)

	noDefault, _ := newExecutor(t, nil, func(o *Options) {
		o.Sandboxes = []schema.ExecutionSandbox{testSandbox("sbx-python", "python")}
	})
	assert.Equal(t, "sbx-python", noDefault.ResolveSandbox(deploy).SandboxID)
}

func TestExecute_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	exec, _ := newExecutor(t, map[string]Handler{"echo": echoHandler()}, func(o *Options) { o.Tracer = tp.Tracer("test") })
	_, err := exec.Execute(context.Background(), request("echo", map[string]any{"message": "hi"}))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool.execute", spans[0].Name())
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "Tool invocation started", spans[0].Events()[0].Name)
}
