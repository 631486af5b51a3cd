package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rendis/steward/internal/toolruntime"
	"github.com/rendis/steward/pkg/schema"
)

// LaneFunc is the body of a lane: it receives the decoded request and
// returns the handler result to report.
type LaneFunc func(ctx context.Context, req schema.LaneRequest) toolruntime.HandlerResult

// ServeLane is the lane side of the ProcessHandler protocol. It reads one
// request from r, runs fn and writes one response to w.
func ServeLane(ctx context.Context, r io.Reader, w io.Writer, fn LaneFunc) error {
	var req schema.LaneRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return schema.NewErrorf(schema.ErrCodeLane, "decode lane request: %v", err).WithCause(err)
	}

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now().UTC()
	res := fn(ctx, req)
	resp := schema.LaneResponse{
		RequestID:   req.RequestID,
		RunID:       req.RunID,
		ToolID:      req.ToolID,
		ToolVersion: req.ToolVersion,
		Status:      res.Status,
		StartedAt:   started.Format(time.RFC3339Nano),
		FinishedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Output:      res.Output,
		Error:       res.Error,
		Trace:       req.Trace,
	}
	if resp.Output == nil {
		resp.Output = map[string]any{}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("write lane response: %w", err)
	}
	return nil
}

// EchoLane answers with its input. An input carrying "fail" reports a
// failure with that message.
func EchoLane(_ context.Context, req schema.LaneRequest) toolruntime.HandlerResult {
	if msg, ok := req.Input["fail"].(string); ok && msg != "" {
		return toolruntime.Failure("echo_failed", msg)
	}
	out := make(map[string]any, len(req.Input))
	for k, v := range req.Input {
		out[k] = v
	}
	return toolruntime.Success(out)
}
