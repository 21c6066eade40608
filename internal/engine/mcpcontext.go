package engine

import (
	"context"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/pkg/types"
)

// mcpContextTimeout bounds the optional MCP context query so a slow or
// unreachable server never delays turn admission.
const mcpContextTimeout = 3 * time.Second

// MCPContextSource queries a locally configured MCP server (stdio
// transport) for supplementary project context, tried before the
// AGENTS.md/CLAUDE.md file fallback (§6 external collaborator).
type MCPContextSource struct {
	command string
	args    []string
	tool    string
}

// NewMCPContextSource builds a source from config. command == "" means
// no server is configured; Fetch then always reports ok=false.
func NewMCPContextSource(command string, args []string, tool string) *MCPContextSource {
	if tool == "" {
		tool = "project_context"
	}
	return &MCPContextSource{command: command, args: args, tool: tool}
}

// Fetch starts the configured server, calls its context tool with the
// working directory, and returns the rendered text content. Any
// failure (missing command, connect error, tool error, timeout) reports
// ok=false so the caller falls back to file-based context.
func (s *MCPContextSource) Fetch(ctx context.Context, workingDir string) (pc *types.ProjectContext, ok bool) {
	if s == nil || s.command == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, mcpContextTimeout)
	defer cancel()

	client, err := mcpclient.NewStdioMCPClient(s.command, nil, s.args...)
	if err != nil {
		logging.Debug().Err(err).Str("command", s.command).Msg("mcp context: failed to start server")
		return nil, false
	}
	defer client.Close()

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agentd", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		logging.Debug().Err(err).Msg("mcp context: initialize failed")
		return nil, false
	}

	callReq := mcpgo.CallToolRequest{}
	callReq.Params.Name = s.tool
	callReq.Params.Arguments = map[string]any{"workingDir": workingDir}
	result, err := client.CallTool(ctx, callReq)
	if err != nil || result == nil || result.IsError {
		logging.Debug().Err(err).Msg("mcp context: call failed")
		return nil, false
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return nil, false
	}
	return &types.ProjectContext{Source: "mcp:" + s.tool, Path: s.command, Content: text}, true
}
