package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/tracing"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	defaultMaxIterations = 25
	defaultMaxTokens     = 8192
	defaultTemperature   = 0.7
)

// RunnerConfig wires a Runner's dependencies.
type RunnerConfig struct {
	Provider       providers.Provider
	Registry       *tools.Registry
	Dispatcher     *tools.Dispatcher
	Stores         *store.Stores
	Fabric         stream.Fabric
	Context        *ContextManager
	DefaultModel   string
	MaxIterations  int
	ToolTimeout    time.Duration
	MaxTokens      int
	Temperature    float64
	Workspace      string
	SandboxEnabled bool
}

// Runner executes one agent run to completion: stream the model, parse tool
// calls, dispatch them, persist messages, publish events, repeat until a
// terminal tool fires, the model stops calling tools, or the iteration limit
// is hit.
type Runner struct {
	provider       providers.Provider
	registry       *tools.Registry
	dispatcher     *tools.Dispatcher
	stores         *store.Stores
	fabric         stream.Fabric
	ctxmgr         *ContextManager
	defaultModel   string
	maxIterations  int
	toolTimeout    time.Duration
	maxTokens      int
	temperature    float64
	workspace      string
	sandboxEnabled bool
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	return &Runner{
		provider:       cfg.Provider,
		registry:       cfg.Registry,
		dispatcher:     cfg.Dispatcher,
		stores:         cfg.Stores,
		fabric:         cfg.Fabric,
		ctxmgr:         cfg.Context,
		defaultModel:   cfg.DefaultModel,
		maxIterations:  cfg.MaxIterations,
		toolTimeout:    cfg.ToolTimeout,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		workspace:      cfg.Workspace,
		sandboxEnabled: cfg.SandboxEnabled,
	}
}

// RunParams identifies one admitted run.
type RunParams struct {
	RunID      string
	ThreadID   string
	ProjectID  string
	SandboxKey string
	Request    protocol.AgentRunRequest
}

// Execute drives the run loop. It returns the terminal status and, for
// FAILED, the error message. Terminal status and done events are published by
// the caller so there is exactly one terminal event per run.
func (r *Runner) Execute(ctx context.Context, p RunParams) (string, string) {
	model := p.Request.ModelName
	if model == "" {
		model = r.defaultModel
	}

	ctx, runSpan := tracing.StartRun(ctx, p.RunID, p.ThreadID, model)
	defer runSpan.End()

	ctx = tools.WithToolThreadID(ctx, p.ThreadID)
	if r.workspace != "" {
		ctx = tools.WithToolWorkspace(ctx, r.workspace)
	}
	if p.SandboxKey != "" {
		ctx = tools.WithToolSandboxKey(ctx, p.SandboxKey)
	}

	var totalUsage providers.Usage
	defer func() {
		tracing.RecordUsage(runSpan, totalUsage.PromptTokens, totalUsage.CompletionTokens)
	}()

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return protocol.StatusStopped, ""
		}

		status, errMsg, done := r.iterate(ctx, p, model, iteration, &totalUsage)
		if done {
			return status, errMsg
		}
	}

	slog.Info("run hit iteration limit", "run_id", p.RunID, "limit", r.maxIterations)
	return protocol.StatusCompleted, ""
}

// iterate performs one think-act-observe cycle. done=false means the loop
// should continue with another LLM call.
func (r *Runner) iterate(ctx context.Context, p RunParams, model string, iteration int, totalUsage *providers.Usage) (status, errMsg string, done bool) {
	ctx, iterSpan := tracing.StartIteration(ctx, iteration)
	defer iterSpan.End()

	if p.Request.EnableContextManager {
		r.ctxmgr.MaybeCompact(ctx, p.ThreadID, model)
	}

	stored, err := r.stores.Messages.List(ctx, p.ThreadID, true)
	if err != nil {
		return r.fail(ctx, p.RunID, fmt.Errorf("load thread history: %w", err))
	}

	messages := append([]providers.Message{{
		Role: "system",
		Content: BuildSystemPrompt(SystemPromptConfig{
			Model:          model,
			Workspace:      r.workspace,
			SandboxEnabled: r.sandboxEnabled,
			ToolNames:      r.registry.Names(),
			XMLExamples:    r.registry.XMLExamples(),
			EnableXMLTools: true,
		}),
	}}, r.ctxmgr.BuildHistory(stored)...)

	options := map[string]interface{}{
		providers.OptMaxTokens:   r.maxTokens,
		providers.OptTemperature: r.temperature,
	}
	if p.Request.EnableThinking {
		options[providers.OptEnableThinking] = true
	}
	if p.Request.ReasoningEffort != "" {
		options[providers.OptReasoningEffort] = p.Request.ReasoningEffort
	}

	req := providers.ChatRequest{
		Messages: messages,
		Tools:    r.registry.Defs(),
		Model:    model,
		Options:  options,
	}

	parser := NewStreamParser(r.registry, p.Request.MaxXMLToolCalls)
	onStream := p.Request.ExecuteOnStream && p.Request.ToolsEnabled() && p.Request.ParallelTools()

	var calls []tools.Call
	var futures []chan tools.CallResult

	llmCtx, llmSpan := tracing.StartLLMCall(ctx, r.provider.Name(), model, len(messages))
	llmStart := time.Now()

	resp, err := r.provider.ChatStream(llmCtx, req, func(chunk providers.StreamChunk) {
		if chunk.Content != "" || chunk.Thinking != "" {
			r.publish(ctx, p.RunID, protocol.KindAssistantChunk, protocol.ChunkPayload{
				Content:  chunk.Content,
				Thinking: chunk.Thinking,
			})
		}
		for _, call := range parser.Feed(chunk) {
			calls = append(calls, call)
			if onStream {
				futures = append(futures, r.spawnExec(ctx, p.RunID, call))
			}
		}
	})

	tracing.RecordDuration(llmSpan, time.Since(llmStart))
	tracing.EndWithError(llmSpan, err)

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return protocol.StatusStopped, "", true
		}
		return r.fail(ctx, p.RunID, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err))
	}

	if resp.Usage != nil {
		totalUsage.PromptTokens += resp.Usage.PromptTokens
		totalUsage.CompletionTokens += resp.Usage.CompletionTokens
		totalUsage.TotalTokens += resp.Usage.TotalTokens
	}

	for _, call := range parser.Finish() {
		calls = append(calls, call)
		if onStream {
			futures = append(futures, r.spawnExec(ctx, p.RunID, call))
		}
	}

	content := SanitizeAssistantContent(parser.Content())

	// Persist the assistant turn. XML-sourced calls are recorded as tool
	// calls too so the tool_use/tool_result pairing survives into history.
	assistantCalls := make([]providers.ToolCall, 0, len(calls))
	for _, c := range calls {
		assistantCalls = append(assistantCalls, providers.ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: c.Arguments,
		})
	}
	if err := r.stores.Messages.Add(ctx, newStoreMessage(p.ThreadID, store.MessageTypeAssistant, messageContent{
		Role:      "assistant",
		Content:   content,
		Thinking:  parser.Thinking(),
		ToolCalls: assistantCalls,
	})); err != nil {
		return r.fail(ctx, p.RunID, fmt.Errorf("persist assistant message: %w", err))
	}
	r.publish(ctx, p.RunID, protocol.KindAssistantMessage, protocol.ChunkPayload{
		Content:  content,
		Thinking: parser.Thinking(),
	})

	// No tool calls means the model considers the turn complete.
	if len(calls) == 0 {
		return protocol.StatusCompleted, "", true
	}

	results := r.runTools(ctx, p, calls, futures, onStream)

	terminal := false
	for _, res := range results {
		if err := r.persistToolResult(ctx, p.ThreadID, res); err != nil {
			return r.fail(ctx, p.RunID, err)
		}
		r.publishToolResult(ctx, p.RunID, res)
		if !res.Skipped {
			if entry, ok := r.registry.Get(res.Call.Name); ok && entry.Terminal {
				terminal = true
			}
		}
	}

	if ctx.Err() != nil {
		return protocol.StatusStopped, "", true
	}
	if terminal {
		return protocol.StatusCompleted, "", true
	}
	if !p.Request.ToolsEnabled() {
		// Calls were recorded but never executed; nothing will change by
		// asking the model again.
		return protocol.StatusCompleted, "", true
	}
	return "", "", false
}

// runTools executes (or skips) the batch, returning results in parse order.
func (r *Runner) runTools(ctx context.Context, p RunParams, calls []tools.Call, futures []chan tools.CallResult, onStream bool) []tools.CallResult {
	if !p.Request.ToolsEnabled() {
		return tools.SkipAll(calls)
	}

	if onStream {
		results := make([]tools.CallResult, 0, len(calls))
		for _, ch := range futures {
			results = append(results, <-ch)
		}
		return results
	}

	for _, call := range calls {
		r.publish(ctx, p.RunID, protocol.KindToolStart, protocol.ToolStartPayload{
			CallID: call.ID,
			Name:   call.Name,
		})
	}
	return r.dispatcher.Dispatch(ctx, calls, tools.Policy{
		Parallel: p.Request.ParallelTools(),
		Timeout:  r.toolTimeout,
	})
}

// spawnExec starts one tool call while the model is still streaming.
func (r *Runner) spawnExec(ctx context.Context, runID string, call tools.Call) chan tools.CallResult {
	r.publish(ctx, runID, protocol.KindToolStart, protocol.ToolStartPayload{
		CallID: call.ID,
		Name:   call.Name,
	})
	ch := make(chan tools.CallResult, 1)
	go func() {
		res := r.dispatcher.Dispatch(ctx, []tools.Call{call}, tools.Policy{Timeout: r.toolTimeout})
		ch <- res[0]
	}()
	return ch
}

func (r *Runner) persistToolResult(ctx context.Context, threadID string, res tools.CallResult) error {
	content := ""
	if res.Result != nil {
		content = res.Result.ForLLM
	}
	if err := r.stores.Messages.Add(ctx, newStoreMessage(threadID, store.MessageTypeTool, messageContent{
		Role:       "tool",
		Content:    content,
		ToolCallID: res.Call.ID,
	})); err != nil {
		return fmt.Errorf("persist tool result: %w", err)
	}
	return nil
}

func (r *Runner) publishToolResult(ctx context.Context, runID string, res tools.CallResult) {
	payload := protocol.ToolResultPayload{
		CallID:  res.Call.ID,
		Name:    res.Call.Name,
		Success: res.Result != nil && !res.Result.IsError,
	}
	if res.Result != nil {
		if res.Result.IsError {
			payload.Error = res.Result.ForLLM
		} else {
			body := res.Result.ForLLM
			if json.Valid([]byte(body)) {
				payload.Payload = json.RawMessage(body)
			} else if b, err := json.Marshal(body); err == nil {
				payload.Payload = b
			}
		}
	}
	r.publish(ctx, runID, protocol.KindToolResult, payload)
}

// fail persists nothing further: it publishes the error event and reports
// FAILED to the caller.
func (r *Runner) fail(ctx context.Context, runID string, err error) (string, string, bool) {
	slog.Error("run failed", "run_id", runID, "error", err)
	r.publish(ctx, runID, protocol.KindError, protocol.StatusPayload{
		Status: protocol.StatusFailed,
		Error:  err.Error(),
	})
	return protocol.StatusFailed, err.Error(), true
}

func (r *Runner) publish(ctx context.Context, runID, kind string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "kind", kind, "error", err)
		return
	}
	// Publish with a background-derived context so late events (error, tool
	// results racing a stop) still reach the replay list after cancellation.
	pubCtx := ctx
	if ctx.Err() != nil {
		pubCtx = context.Background()
	}
	if _, err := r.fabric.Publish(pubCtx, runID, protocol.Event{
		RunID:     runID,
		Kind:      kind,
		Payload:   b,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Warn("publish event", "run_id", runID, "kind", kind, "error", err)
	}
}
