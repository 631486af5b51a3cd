package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/pkg/schema"
)

// AgentNotifier pushes notifications to connected actors.
type AgentNotifier interface {
	Notify(ctx context.Context, actor string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the actor's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the actor's session.
// Best-effort: returns nil if the actor is not connected.
func (n *MCPNotifier) Notify(_ context.Context, actor string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actor)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// relayedEvents are the run events an actor hears about.
var relayedEvents = []string{
	schema.EventHitlRequested,
	schema.EventHitlDecided,
	schema.EventWorkflowSuspended,
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
}

// StartRelay subscribes to hub and forwards review and completion events to
// the actor that started each run. The subscription is live when StartRelay
// returns; call stop to end it.
func StartRelay(ctx context.Context, hub streaming.EventHub, runs store.RunStore, n AgentNotifier, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: relayedEvents})
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				relay(ctx, ev, runs, n, logger)
			}
		}
	}()

	return func() {
		cancel()
		unsubscribe()
		<-done
	}, nil
}

func relay(ctx context.Context, ev streaming.StreamEvent, runs store.RunStore, n AgentNotifier, logger *slog.Logger) {
	run, err := runs.Load(ctx, ev.RunID)
	if err != nil {
		logger.Warn("relay: run not found", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
		return
	}
	if run.Actor == "" {
		return
	}
	payload := map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.EventType,
		"status":     ev.Status,
		"message":    ev.Message,
		"timestamp":  ev.Timestamp,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if len(ev.Metadata) > 0 {
		payload["metadata"] = ev.Metadata
	}
	if err := n.Notify(ctx, run.Actor, payload); err != nil {
		logger.Warn("relay: notify failed", slog.String("actor", run.Actor), slog.String("error", err.Error()))
	}
}
