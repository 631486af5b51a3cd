package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/service"
	"github.com/rendis/steward/pkg/schema"
)

// handleRun starts or continues a run.
func (s *StewardServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	inputs, err := stepInputs(mcp.ParseStringMap(req, "inputs", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, actor)

	res, runErr := s.svc.Run(ctx, service.RunRequest{
		WorkflowID: workflowID,
		RunID:      req.GetString("run_id", ""),
		Actor:      actor,
		Role:       req.GetString("role", ""),
		Purpose:    req.GetString("purpose", ""),
		Level:      schema.GovernanceLevel(req.GetString("level", "")),
		Inputs:     inputs,
	})
	if runErr != nil {
		return toolError("run failed", runErr), nil
	}
	return marshalResult(res)
}

// handleStatus returns a run with its trace and review requests.
func (s *StewardServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.svc.Status(ctx, runID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(status)
}

// handleQueue lists review requests matching an optional CEL filter.
func (s *StewardServer) handleQueue(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reqs, err := s.svc.ListQueue(req.GetString("filter", ""))
	if err != nil {
		return toolError("queue query failed", err), nil
	}
	if reqs == nil {
		reqs = []*schema.HitlRequest{}
	}
	return marshalResult(reqs)
}

// handleDecide applies a reviewer decision and resumes the waiting run.
func (s *StewardServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	verb, err := req.RequireString("verb")
	if err != nil {
		return mcp.NewToolResultError("verb is required"), nil
	}
	reviewer, err := req.RequireString("reviewer")
	if err != nil {
		return mcp.NewToolResultError("reviewer is required"), nil
	}

	s.captureSession(ctx, reviewer)

	res, decideErr := s.svc.Decide(ctx, schema.ReviewSignal{
		RequestID: requestID,
		Verb:      schema.Verb(verb),
		Reviewer:  reviewer,
		Reason:    req.GetString("reason", ""),
	})
	if decideErr != nil {
		return toolError("decision failed", decideErr), nil
	}
	return marshalResult(res)
}

// handleEvaluate decides an action against the policy and audits it.
func (s *StewardServer) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := req.RequireString("level")
	if err != nil {
		return mcp.NewToolResultError("level is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	eval, evalErr := s.svc.Evaluate(ctx, service.EvaluateRequest{
		Level:    schema.GovernanceLevel(level),
		Actor:    actor,
		Role:     req.GetString("role", ""),
		Action:   action,
		Resource: req.GetString("resource", ""),
	})
	if evalErr != nil {
		return toolError("evaluation failed", evalErr), nil
	}
	return marshalResult(eval)
}

// --- Helpers ---

// stepInputs converts the loose inputs argument into per-step tool inputs.
func stepInputs(raw map[string]any) (map[string]map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]map[string]any, len(raw))
	for stepID, v := range raw {
		input, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("inputs.%s must be an object", stepID)
		}
		out[stepID] = input
	}
	return out, nil
}

// captureSession maps the actor to its current MCP session for notifications.
func (s *StewardServer) captureSession(ctx context.Context, actor string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// toolError reports err to the caller. StewardError text carries its code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
