package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// notificationMethod is the MCP method used for execution updates.
const notificationMethod = "notifications/message"

// AgentNotifier pushes execution updates to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier delivers updates to the session an agent last called from.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to agentID. An agent without a live session is not
// an error; a session the server no longer knows is unbound.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sid, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sid, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Unbind(sid)
		return nil
	}
	return err
}
