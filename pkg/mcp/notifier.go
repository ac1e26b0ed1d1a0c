package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/venzel/stepflow/internal/streaming"
	"github.com/venzel/stepflow/pkg/schema"
)

// Notifier forwards live run events to the MCP session that started the run,
// as notifications/message pushes. Delivery is best-effort: a disconnected or
// slow client never affects the run.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.Hub
	logger    *slog.Logger
}

// NewNotifier creates a notifier reading from the given hub.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to the hub and forwards events until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				n.forward(e)
			}
		}
	}()
	return nil
}

// forward pushes one event to the owning session, if it is still connected.
// The run's mapping is released once a terminal event went out.
func (n *Notifier) forward(e streaming.RunEvent) {
	sessionID, ok := n.sessions.SessionFor(e.RunID)
	if !ok {
		return
	}

	payload := map[string]any{
		"run_id":    e.RunID,
		"type":      e.Type,
		"timestamp": e.Timestamp,
	}
	if e.StepID != "" {
		payload["step_id"] = e.StepID
	}
	if e.Seq > 0 {
		payload["seq"] = e.Seq
	}
	if e.Payload != nil {
		payload["data"] = e.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; forget its runs.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Debug("progress notification dropped",
			"run_id", e.RunID, "session_id", sessionID, "error", err)
	}
	if terminalEvent(e.Type) {
		n.sessions.Drop(e.RunID)
	}
}

func terminalEvent(t string) bool {
	switch t {
	case schema.EventRunSucceeded, schema.EventRunFailed, schema.EventRunTimedOut, schema.EventRunCancelled:
		return true
	}
	return false
}
