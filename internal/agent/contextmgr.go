package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

const (
	defaultTokenBudget    = 128000
	defaultCharsPerToken  = 4.0
	defaultThresholdRatio = 0.75
	defaultTargetRatio    = 0.40
	summarizeTimeout      = 120 * time.Second
)

// ContextManager keeps thread history inside the model's context window.
// When the estimated token count crosses the threshold share of the budget,
// the oldest messages are folded into a summary message that replaces them in
// LLM history. Estimation is a chars-per-token heuristic, not a tokenizer.
type ContextManager struct {
	messages store.MessageStore
	provider providers.Provider

	// Tunables, hot-reloadable via UpdateTunables.
	mu             sync.RWMutex
	budgets        map[string]int
	charsPerToken  map[string]float64
	thresholdRatio float64
	targetRatio    float64

	// Per-thread compaction lock. TryLock: a thread already being compacted
	// is skipped, the next run picks it up if still needed.
	locks sync.Map // threadID → *sync.Mutex
}

// ContextManagerConfig wires the manager's tunables.
type ContextManagerConfig struct {
	Messages store.MessageStore
	Provider providers.Provider
	LLM      config.LLMConfig
	Context  config.ContextConfig
}

func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	threshold := cfg.Context.ThresholdRatio
	if threshold <= 0 || threshold >= 1 {
		threshold = defaultThresholdRatio
	}
	target := cfg.Context.TargetRatio
	if target <= 0 || target >= threshold {
		target = defaultTargetRatio
	}
	return &ContextManager{
		messages:       cfg.Messages,
		provider:       cfg.Provider,
		budgets:        cfg.LLM.TokenBudgets,
		charsPerToken:  cfg.Context.CharsPerToken,
		thresholdRatio: threshold,
		targetRatio:    target,
	}
}

// UpdateTunables applies hot-reloaded config: token budgets, chars-per-token
// divisors, and compaction ratios. Invalid ratios are ignored.
func (cm *ContextManager) UpdateTunables(llm config.LLMConfig, cc config.ContextConfig) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.budgets = llm.TokenBudgets
	cm.charsPerToken = cc.CharsPerToken
	if cc.ThresholdRatio > 0 && cc.ThresholdRatio < 1 {
		cm.thresholdRatio = cc.ThresholdRatio
	}
	if cc.TargetRatio > 0 && cc.TargetRatio < cm.thresholdRatio {
		cm.targetRatio = cc.TargetRatio
	}
}

// Budget returns the context window for a model, longest-prefix matched.
func (cm *ContextManager) Budget(model string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if b, ok := prefixLookup(cm.budgets, model); ok {
		return b
	}
	return defaultTokenBudget
}

// EstimateTokens estimates token usage of thread messages via chars divided
// by the model family's chars-per-token divisor.
func (cm *ContextManager) EstimateTokens(msgs []store.Message, model string) int {
	cm.mu.RLock()
	divisor := defaultCharsPerToken
	if d, ok := prefixLookup(cm.charsPerToken, model); ok && d > 0 {
		divisor = d
	}
	cm.mu.RUnlock()
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return int(float64(chars) / divisor)
}

// prefixLookup finds the value whose key is the longest prefix of model.
func prefixLookup[V any](m map[string]V, model string) (V, bool) {
	var best V
	bestLen := -1
	for k, v := range m {
		if strings.HasPrefix(model, k) && len(k) > bestLen {
			best, bestLen = v, len(k)
		}
	}
	return best, bestLen >= 0
}

// BuildHistory converts stored thread messages into provider messages,
// honoring the newest summary: covered messages are dropped and the summary
// is injected at the front as a user/assistant exchange.
func (cm *ContextManager) BuildHistory(msgs []store.Message) []providers.Message {
	var summary *store.Message
	var cover summaryMetadata
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == store.MessageTypeSummary {
			summary = &msgs[i]
			if err := json.Unmarshal(msgs[i].Metadata, &cover); err != nil {
				slog.Warn("summary metadata undecodable, ignoring summary", "message_id", msgs[i].ID, "error", err)
				summary = nil
			}
			break
		}
	}

	var history []providers.Message
	if summary != nil {
		if mc, ok := decodeContent(*summary); ok {
			history = append(history,
				providers.Message{Role: "user", Content: "[Previous conversation summary]\n" + mc.Content},
				providers.Message{Role: "assistant", Content: "Understood. I have the context from the earlier conversation."},
			)
		}
	}

	for _, m := range msgs {
		if m.Type == store.MessageTypeSummary {
			continue
		}
		if summary != nil && cover.covered(m) {
			continue
		}
		mc, ok := decodeContent(m)
		if !ok {
			continue
		}
		history = append(history, providers.Message{
			Role:       mc.Role,
			Content:    mc.Content,
			ToolCalls:  mc.ToolCalls,
			ToolCallID: mc.ToolCallID,
			Images:     mc.Images,
		})
	}
	return sanitizeHistory(history)
}

// MaybeCompact folds old messages into a summary when the thread estimate
// crosses the threshold. Failures are non-fatal: the run continues with the
// full history and compaction is retried on a later iteration.
func (cm *ContextManager) MaybeCompact(ctx context.Context, threadID, model string) {
	msgs, err := cm.messages.List(ctx, threadID, true)
	if err != nil {
		slog.Warn("compaction: list messages", "thread_id", threadID, "error", err)
		return
	}

	cm.mu.RLock()
	threshold := cm.thresholdRatio
	cm.mu.RUnlock()

	budget := cm.Budget(model)
	estimate := cm.EstimateTokens(msgs, model)
	if estimate <= int(float64(budget)*threshold) {
		return
	}

	muI, _ := cm.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Debug("compaction already in progress, skipping", "thread_id", threadID)
		return
	}
	defer mu.Unlock()

	if err := cm.compact(ctx, threadID, model, msgs, budget); err != nil {
		slog.Warn("compaction failed, continuing with full history",
			"thread_id", threadID, "error", err)
	}
}

func (cm *ContextManager) compact(ctx context.Context, threadID, model string, msgs []store.Message, budget int) error {
	// Keep the newest tail that fits the target share; summarize the rest.
	cm.mu.RLock()
	target := int(float64(budget) * cm.targetRatio)
	cm.mu.RUnlock()
	cut := len(msgs)
	for cut > 1 {
		if cm.EstimateTokens(msgs[cut-1:], model) > target {
			break
		}
		cut--
	}
	if cut >= len(msgs) {
		return fmt.Errorf("nothing to summarize: a single message exceeds the target window")
	}

	// Never split an assistant/tool-result pair: extend the head through any
	// tool messages answering its last assistant message.
	for cut < len(msgs) && msgs[cut].Type == store.MessageTypeTool {
		cut++
	}
	if cut >= len(msgs) {
		return fmt.Errorf("nothing to summarize after pairing adjustment")
	}
	head := msgs[:cut]

	prior := ""
	var transcript strings.Builder
	for _, m := range head {
		if m.Type == store.MessageTypeSummary {
			if mc, ok := decodeContent(m); ok {
				prior = mc.Content
			}
			continue
		}
		mc, ok := decodeContent(m)
		if !ok {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", mc.Role, truncateForSummary(mc.Content))
	}

	prompt := "Provide a concise summary of this conversation, preserving key facts, decisions, open tasks, and file paths:\n"
	if prior != "" {
		prompt += "Existing context: " + prior + "\n"
	}
	prompt += "\n" + transcript.String()

	sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := cm.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		return fmt.Errorf("summarization call: %w", err)
	}

	last := head[len(head)-1]
	meta, _ := json.Marshal(summaryMetadata{
		Covers:  len(head),
		FirstID: head[0].ID,
		Until:   last.CreatedAt,
		LastID:  last.ID,
	})

	// Replace the previous summary, then insert the new one.
	if err := cm.messages.DeleteByType(ctx, threadID, store.MessageTypeSummary); err != nil {
		return fmt.Errorf("delete prior summary: %w", err)
	}
	sm := newStoreMessage(threadID, store.MessageTypeSummary, messageContent{
		Role:    "user",
		Content: SanitizeAssistantContent(resp.Content),
	})
	sm.Metadata = meta
	if err := cm.messages.Add(ctx, sm); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	slog.Info("thread compacted",
		"thread_id", threadID,
		"summarized", len(head),
		"kept", len(msgs)-cut,
	)
	return nil
}

const summaryInputMaxChars = 4000

func truncateForSummary(s string) string {
	if len(s) <= summaryInputMaxChars {
		return s
	}
	return s[:summaryInputMaxChars] + "…[truncated]"
}

// sanitizeHistory repairs tool_use/tool_result pairing after compaction or
// truncation: orphaned tool messages are dropped and missing tool results are
// synthesized so the provider never rejects the transcript.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expected {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — thread was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}
