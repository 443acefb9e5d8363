package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all arena tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("arena", "1.0.0")
	client := NewArenaClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListArenas, h.HandleListArenas)
	s.AddTool(ToolGetArena, h.HandleGetArena)
	s.AddTool(ToolCreateArena, h.HandleCreateArena)
	s.AddTool(ToolResolveArena, h.HandleResolveArena)
	s.AddTool(ToolGetLeaderboard, h.HandleGetLeaderboard)
	s.AddTool(ToolGetMarket, h.HandleGetMarket)
	s.AddTool(ToolGetEvents, h.HandleGetEvents)
	s.AddTool(ToolGetCareer, h.HandleGetCareer)
	s.AddTool(ToolGetTrust, h.HandleGetTrust)
	s.AddTool(ToolGetLessons, h.HandleGetLessons)
	s.AddTool(ToolGetCareerLeaderboard, h.HandleGetCareerLeaderboard)

	return s
}
