package collector

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/qoewatch/kit"
)

// RegisterMCP registers the collector tools on an MCP server.
func (c *Collector) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "qoe_sessions",
		Description: "List the most recent session exports received by the collector.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}, c.listSessions, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		rr, err := kit.DecodeArgs[listSessionsRequest](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rr}, nil
	})

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "qoe_session",
		Description: "Summarize one session export: freeze count and total, buffering count, start delay and last network latency.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Record ID returned by qoe_sessions"},
		}, []string{"id"}),
	}, c.getSession, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		rr, err := kit.DecodeArgs[getSessionRequest](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rr}, nil
	})
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
