package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/steward/internal/isolation"
	"github.com/rendis/steward/internal/toolruntime"
	"github.com/rendis/steward/pkg/schema"
)

const defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB

// Failure codes reported by ProcessHandler.
const (
	CodeLaneExit     = "lane_exit"
	CodeLaneTimeout  = "lane_timeout"
	CodeLaneProtocol = "lane_protocol"
)

// ProcessHandler runs a tool in a subprocess lane. It writes one
// schema.LaneRequest to the lane's stdin and reads one schema.LaneResponse
// from its stdout. The command runs under the limits of the resolved sandbox.
type ProcessHandler struct {
	Command string
	Args    []string
	// Env is appended to the parent environment before the sandbox allowlist
	// is applied.
	Env           []string
	Dir           string
	Isolator      isolation.Isolator
	MaxOutputSize int64
}

// NewProcessHandler returns a handler for command using the fallback isolator.
func NewProcessHandler(command string, args ...string) *ProcessHandler {
	return &ProcessHandler{Command: command, Args: args}
}

func (h *ProcessHandler) Invoke(ctx context.Context, input map[string]any, hc toolruntime.HandlerContext) (toolruntime.HandlerResult, error) {
	iso := h.Isolator
	if iso == nil {
		iso = isolation.NewFallbackIsolator()
	}
	maxOut := h.MaxOutputSize
	if maxOut <= 0 {
		maxOut = defaultMaxOutputSize
	}

	req := laneRequest(input, hc)
	payload, err := json.Marshal(req)
	if err != nil {
		return toolruntime.HandlerResult{}, fmt.Errorf("encode lane request: %w", err)
	}

	cmd := exec.Command(h.Command, h.Args...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Stdin = bytes.NewReader(payload)

	timeout := time.Duration(hc.TimeoutSeconds) * time.Second
	limits := isolation.LimitsFromSandbox(hc.Sandbox, timeout)
	wrapped, cleanup, err := iso.Wrap(ctx, cmd, limits)
	if err != nil {
		return toolruntime.HandlerResult{}, schema.NewErrorf(schema.ErrCodeIsolation,
			"lane %s: isolation wrap failed: %v", req.ToolID, err).WithCause(err)
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdout, limit: maxOut}
	wrapped.Stderr = &limitedWriter{w: &stderr, limit: maxOut}

	start := time.Now()
	runErr := wrapped.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if err := ctx.Err(); err != nil {
			return toolruntime.HandlerResult{}, err
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return toolruntime.HandlerResult{}, schema.NewErrorf(schema.ErrCodeLane,
				"lane %s: %v", req.ToolID, runErr).WithCause(runErr)
		}
		if limits.Timeout > 0 && elapsed >= limits.Timeout {
			return toolruntime.Failure(CodeLaneTimeout,
				fmt.Sprintf("lane exceeded timeout of %s", limits.Timeout)), nil
		}
		res := toolruntime.Failure(CodeLaneExit,
			fmt.Sprintf("lane exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())))
		res.Error.Details = map[string]string{"exit_code": fmt.Sprint(exitErr.ExitCode())}
		return res, nil
	}

	var resp schema.LaneResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return toolruntime.Failure(CodeLaneProtocol, "lane wrote an unreadable response: "+err.Error()), nil
	}
	if resp.RequestID != req.RequestID {
		return toolruntime.Failure(CodeLaneProtocol,
			fmt.Sprintf("lane answered request %q, expected %q", resp.RequestID, req.RequestID)), nil
	}
	return fromLaneResponse(resp), nil
}

func laneRequest(input map[string]any, hc toolruntime.HandlerContext) schema.LaneRequest {
	req := schema.LaneRequest{
		RequestID:      hc.Request.RequestID,
		RunID:          hc.Request.RunID,
		ToolID:         hc.Request.ToolID,
		RequestedAt:    hc.Request.RequestedAt,
		Caller:         hc.Request.Caller,
		Input:          input,
		Trace:          hc.Request.Trace,
		TimeoutSeconds: hc.TimeoutSeconds,
	}
	if hc.Tool != nil {
		req.ToolVersion = hc.Tool.Version
		req.Governance = hc.Tool.Governance
	}
	return req
}

func fromLaneResponse(resp schema.LaneResponse) toolruntime.HandlerResult {
	output := resp.Output
	if output == nil {
		output = map[string]any{}
	}
	switch resp.Status {
	case schema.OutcomeSuccess:
		return toolruntime.Success(output)
	case schema.OutcomeFailure:
		res := toolruntime.HandlerResult{Status: schema.OutcomeFailure, Output: output, Error: resp.Error}
		if res.Error == nil {
			res.Error = &schema.ToolInvocationError{Code: CodeLaneProtocol, Message: "lane reported failure without an error"}
		}
		return res
	default:
		return toolruntime.Failure(CodeLaneProtocol, fmt.Sprintf("lane reported unknown status %q", resp.Status))
	}
}

// limitedWriter discards bytes beyond limit but reports them as written so
// the lane never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
