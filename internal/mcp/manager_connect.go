package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentd/internal/config"
)

// connectServer creates a client, initializes the connection, discovers tools,
// and registers them.
func (m *Manager) connectServer(ctx context.Context, spec config.MCPServerSpec) error {
	client, err := createClient(spec)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE/streamable-http need explicit Start; stdio auto-starts.
	if spec.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "agentd",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := spec.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{
		name:       spec.Name,
		transport:  spec.Transport,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)

	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		bt := newBridgeTool(spec.Name, mcpTool, client, spec.ToolPrefix, timeoutSec, &ss.connected)
		if err := m.registry.Register(bt); err != nil {
			slog.Warn("mcp tool registration skipped",
				"server", spec.Name,
				"tool", bt.Name(),
				"error", err,
			)
			continue
		}
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[spec.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected",
		"server", spec.Name,
		"transport", spec.Transport,
		"tools", len(registered),
	)
	return nil
}

// createClient creates the appropriate MCP client for the spec's transport.
func createClient(spec config.MCPServerSpec) (*mcpclient.Client, error) {
	switch spec.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(spec.Command, mapToEnvSlice(spec.Env), spec.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(spec.Headers))
		}
		return mcpclient.NewSSEMCPClient(spec.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}
		return mcpclient.NewStreamableHttpClient(spec.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", spec.Transport)
	}
}

// healthLoop periodically pings the MCP server and attempts reconnection on
// failure.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				// Servers that don't implement "ping" are still alive.
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					markHealthy(ss)
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()

				slog.Warn("mcp server health check failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
			} else {
				markHealthy(ss)
			}
		}
	}
}

func markHealthy(ss *serverState) {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect attempts to reconnect with exponential backoff.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp server reconnect attempts exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp server reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The transport may have auto-reconnected in the meantime.
	if err := ss.client.Ping(ctx); err == nil {
		markHealthy(ss)
		slog.Info("mcp server reconnected", "server", ss.name)
	}
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
