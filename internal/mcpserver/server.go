// Package mcpserver exposes the scoring API as MCP tools so an assistant
// can score transactions and investigate alerts.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all fraud tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("fraudguard", version)
	h := NewHandlers(NewFraudClient(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolEvaluateTransaction, h.HandleEvaluateTransaction)
	s.AddTool(ToolGetFraudStats, h.HandleGetFraudStats)
	s.AddTool(ToolListFraudAlerts, h.HandleListFraudAlerts)
	s.AddTool(ToolGetUserProfile, h.HandleGetUserProfile)
	s.AddTool(ToolGetModelInfo, h.HandleGetModelInfo)

	return s
}
