package tools

import "context"

// Tool execution context keys. These replace mutable setter fields on tool
// instances, making tools safe for concurrent runs: values are injected into
// context by the run manager and read by individual tools during Execute().

type toolContextKey string

const (
	ctxSandboxKey toolContextKey = "tool_sandbox_key"
	ctxWorkspace  toolContextKey = "tool_workspace"
	ctxThreadID   toolContextKey = "tool_thread_id"
)

func WithToolSandboxKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSandboxKey, key)
}

func ToolSandboxKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSandboxKey).(string)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithToolThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ctxThreadID, threadID)
}

func ToolThreadIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxThreadID).(string)
	return v
}
