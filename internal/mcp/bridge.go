package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local tools.Tool interface.
type bridgeTool struct {
	server     string
	original   string
	name       string
	desc       string
	schema     map[string]interface{}
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	name := t.Name
	if prefix != "" {
		name = prefix + "_" + t.Name
	}
	return &bridgeTool{
		server:     server,
		original:   t.Name,
		name:       name,
		desc:       t.Description,
		schema:     inputSchemaToMap(t.InputSchema),
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *bridgeTool) Name() string { return b.name }

func (b *bridgeTool) Description() string {
	if b.desc == "" {
		return fmt.Sprintf("Tool %q provided by MCP server %q", b.original, b.server)
	}
	return b.desc
}

func (b *bridgeTool) Parameters() map[string]interface{} { return b.schema }

func (b *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is not connected", b.server))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s/%s: %v", b.server, b.original, err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.SilentResult(text)
}

// inputSchemaToMap converts an MCP input schema to the generic map form the
// registry compiles.
func inputSchemaToMap(s mcpgo.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{"type": "object"}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// flattenContent joins the textual parts of an MCP tool result.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.EmbeddedResource:
			if tr, ok := v.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, tr.Text)
			}
		default:
			// Non-text content (images, audio) is summarized, not inlined.
			parts = append(parts, fmt.Sprintf("[%T content omitted]", c))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
