package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/service"
	"github.com/rendis/steward/pkg/schema"
)

// StewardServerDeps holds the dependencies for creating a StewardServer.
type StewardServerDeps struct {
	Service *service.Service
	Version string
	Logger  *slog.Logger
}

// StewardServer wraps an MCP server with steward-specific tool handlers.
type StewardServer struct {
	svc       *service.Service
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewStewardServer creates a new StewardServer with all 5 tools registered.
func NewStewardServer(deps StewardServerDeps) *StewardServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StewardServer{
		svc:      deps.Service,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"steward",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Steward runs governed workflows. Use steward.run to start or continue a run, steward.status to inspect it, steward.queue to list human review requests, steward.decide to approve, reject, escalate, deny or request mitigation, and steward.evaluate to ask the policy whether an action is allowed."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. HITL events are relayed to the session of each run's actor.
func (s *StewardServer) Serve(ctx context.Context) error {
	if s.svc != nil {
		stop, err := StartRelay(ctx, s.svc.Hub(), s.svc.Runs(), NewMCPNotifier(s.mcpServer, s.sessions), s.logger)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StewardServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the actor to session registry.
func (s *StewardServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *StewardServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queueTool(), Handler: s.handleQueue},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: evaluateTool(), Handler: s.handleEvaluate},
	}
}

// --- Tool definitions ---

var levelEnum = mcp.Enum(
	string(schema.LevelA0), string(schema.LevelA1), string(schema.LevelA2), string(schema.LevelA3),
)

func runTool() mcp.Tool {
	return mcp.NewTool("steward.run",
		mcp.WithDescription("Start or continue a governed workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Identity starting the run")),
		mcp.WithString("run_id", mcp.Description("Existing run to continue (default: new run)")),
		mcp.WithString("role", mcp.Description("Policy role of the actor (default: agent)")),
		mcp.WithString("level", levelEnum, mcp.Description("Pin every step to one governance level")),
		mcp.WithString("purpose", mcp.Description("Why the run is happening")),
		mcp.WithObject("inputs", mcp.Description("Tool input per step, keyed by step id")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("steward.status",
		mcp.WithDescription("Get a run with its trace and review requests"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func queueTool() mcp.Tool {
	return mcp.NewTool("steward.queue",
		mcp.WithDescription("List human review requests"),
		mcp.WithString("filter", mcp.Description(`CEL expression over request fields, e.g. status == "pending" && kind == "approval"`)),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("steward.decide",
		mcp.WithDescription("Decide a human review request and resume its run"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the review request")),
		mcp.WithString("verb", mcp.Required(),
			mcp.Enum(
				string(schema.VerbApprove), string(schema.VerbReject), string(schema.VerbEscalate),
				string(schema.VerbDeny), string(schema.VerbRequestMitigation),
			),
			mcp.Description("Decision to apply"),
		),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Identity of the reviewer")),
		mcp.WithString("reason", mcp.Description("Reviewer's reasoning")),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewTool("steward.evaluate",
		mcp.WithDescription("Evaluate an action against the governance policy"),
		mcp.WithString("level", mcp.Required(), levelEnum, mcp.Description("Governance level to evaluate at")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Identity requesting the action")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Action being requested")),
		mcp.WithString("role", mcp.Description("Policy role of the actor (default: agent)")),
		mcp.WithString("resource", mcp.Description("Resource the action targets")),
	)
}
