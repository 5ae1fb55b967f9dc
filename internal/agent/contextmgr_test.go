package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

// fakeProvider scripts Chat/ChatStream responses for tests.
type fakeProvider struct {
	mu        sync.Mutex
	chatCalls int
	lastChat  providers.ChatRequest

	chatFn   func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	streamFn func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error)
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.chatCalls++
	f.lastChat = req
	f.mu.Unlock()
	if f.chatFn != nil {
		return f.chatFn(ctx, req)
	}
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, req, onChunk)
	}
	return &providers.ChatResponse{Content: "", FinishReason: "stop"}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

func userMessage(threadID, content string, at time.Time) *store.Message {
	return &store.Message{
		ID:        store.NewID(),
		ThreadID:  threadID,
		Type:      store.MessageTypeUser,
		IsLLM:     true,
		Content:   encodeContent(messageContent{Role: "user", Content: content}),
		CreatedAt: at,
	}
}

func TestBudgetLongestPrefix(t *testing.T) {
	cm := NewContextManager(ContextManagerConfig{
		LLM: config.LLMConfig{TokenBudgets: map[string]int{
			"claude":          100000,
			"claude-sonnet-4": 200000,
		}},
	})

	if got := cm.Budget("claude-sonnet-4-20250514"); got != 200000 {
		t.Errorf("Budget(claude-sonnet-4-20250514) = %d, want 200000", got)
	}
	if got := cm.Budget("claude-opus-4"); got != 100000 {
		t.Errorf("Budget(claude-opus-4) = %d, want 100000", got)
	}
	if got := cm.Budget("gpt-4o"); got != defaultTokenBudget {
		t.Errorf("Budget(gpt-4o) = %d, want default %d", got, defaultTokenBudget)
	}
}

func TestEstimateTokens(t *testing.T) {
	cm := NewContextManager(ContextManagerConfig{
		Context: config.ContextConfig{CharsPerToken: map[string]float64{"gpt": 2.0}},
	})
	msgs := []store.Message{
		{Content: []byte(strings.Repeat("x", 100))},
		{Content: []byte(strings.Repeat("y", 100))},
	}

	if got := cm.EstimateTokens(msgs, "fake-model"); got != 50 {
		t.Errorf("default divisor: got %d tokens, want 50", got)
	}
	if got := cm.EstimateTokens(msgs, "gpt-4o"); got != 100 {
		t.Errorf("per-family divisor: got %d tokens, want 100", got)
	}
}

func TestBuildHistoryHoistsSummary(t *testing.T) {
	threadID := store.NewID()
	t0 := time.Now().UTC().Add(-time.Hour)

	old := userMessage(threadID, "old question", t0)
	summary := &store.Message{
		ID:        store.NewID(),
		ThreadID:  threadID,
		Type:      store.MessageTypeSummary,
		IsLLM:     true,
		Content:   encodeContent(messageContent{Role: "user", Content: "we discussed the old question"}),
		Metadata:  mustMarshal(summaryMetadata{Covers: 1, Until: old.CreatedAt, LastID: old.ID}),
		CreatedAt: t0.Add(time.Minute),
	}
	recent := userMessage(threadID, "new question", t0.Add(2*time.Minute))

	cm := NewContextManager(ContextManagerConfig{})
	history := cm.BuildHistory([]store.Message{*old, *summary, *recent})

	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3 (summary exchange + kept message)", len(history))
	}
	if history[0].Role != "user" || !strings.Contains(history[0].Content, "we discussed the old question") {
		t.Errorf("summary not hoisted: %+v", history[0])
	}
	if history[1].Role != "assistant" {
		t.Errorf("missing assistant acknowledgment: %+v", history[1])
	}
	if history[2].Content != "new question" {
		t.Errorf("kept message = %q, want the uncovered one", history[2].Content)
	}
	for _, m := range history {
		if strings.Contains(m.Content, "old question") {
			t.Errorf("covered message leaked into history: %q", m.Content)
		}
	}
}

func TestBuildHistoryNoSummaryPassthrough(t *testing.T) {
	threadID := store.NewID()
	now := time.Now().UTC()
	msgs := []store.Message{
		*userMessage(threadID, "one", now),
		*userMessage(threadID, "two", now.Add(time.Second)),
	}

	cm := NewContextManager(ContextManagerConfig{})
	history := cm.BuildHistory(msgs)
	if len(history) != 2 || history[0].Content != "one" || history[1].Content != "two" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestSanitizeHistoryDropsLeadingOrphans(t *testing.T) {
	got := sanitizeHistory([]providers.Message{
		{Role: "tool", Content: "orphan", ToolCallID: "t1"},
		{Role: "user", Content: "hi"},
	})
	if len(got) != 1 || got[0].Role != "user" {
		t.Errorf("leading orphan tool message survived: %+v", got)
	}
}

func TestSanitizeHistorySynthesizesMissingResults(t *testing.T) {
	got := sanitizeHistory([]providers.Message{
		{Role: "user", Content: "run two things"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Role: "tool", Content: "done a", ToolCallID: "a"},
		{Role: "user", Content: "next"},
	})

	if len(got) != 5 {
		t.Fatalf("history length = %d, want 5", len(got))
	}
	synth := got[3]
	if synth.Role != "tool" || synth.ToolCallID != "b" || !strings.Contains(synth.Content, "missing") {
		t.Errorf("missing tool result not synthesized: %+v", synth)
	}
	if got[4].Content != "next" {
		t.Errorf("trailing user message misplaced: %+v", got[4])
	}
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	stores := store.NewMemoryStores()
	provider := &fakeProvider{}
	cm := NewContextManager(ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      config.LLMConfig{TokenBudgets: map[string]int{"fake-model": 100000}},
	})

	ctx := context.Background()
	threadID := store.NewID()
	if err := stores.Messages.Add(ctx, userMessage(threadID, "short", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	cm.MaybeCompact(ctx, threadID, "fake-model")
	if provider.calls() != 0 {
		t.Errorf("summarization ran below threshold: %d calls", provider.calls())
	}
}

func TestMaybeCompactSummarizesOldMessages(t *testing.T) {
	stores := store.NewMemoryStores()
	provider := &fakeProvider{
		chatFn: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{Content: "condensed history", FinishReason: "stop"}, nil
		},
	}
	// Budget of 100 tokens: threshold 75, target 40. Six ~130-char rows blow
	// well past the threshold.
	cm := NewContextManager(ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      config.LLMConfig{TokenBudgets: map[string]int{"fake-model": 100}},
	})

	ctx := context.Background()
	threadID := store.NewID()
	base := time.Now().UTC().Add(-time.Minute)
	var added []*store.Message
	for i := 0; i < 6; i++ {
		m := userMessage(threadID, strings.Repeat("a", 100), base.Add(time.Duration(i)*time.Second))
		if err := stores.Messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
		added = append(added, m)
	}

	cm.MaybeCompact(ctx, threadID, "fake-model")

	if provider.calls() != 1 {
		t.Fatalf("summarization calls = %d, want 1", provider.calls())
	}
	prompt := provider.lastChat.Messages[0].Content
	if !strings.Contains(prompt, "summary") {
		t.Errorf("summarization prompt missing instruction: %q", prompt)
	}

	msgs, err := stores.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	var summaries []store.Message
	for _, m := range msgs {
		if m.Type == store.MessageTypeSummary {
			summaries = append(summaries, m)
		}
	}
	if len(summaries) != 1 {
		t.Fatalf("summary messages = %d, want 1", len(summaries))
	}
	mc, ok := decodeContent(summaries[0])
	if !ok || mc.Content != "condensed history" {
		t.Errorf("summary content = %+v", mc)
	}

	// Metadata records the covered id range.
	var meta summaryMetadata
	if err := json.Unmarshal(summaries[0].Metadata, &meta); err != nil {
		t.Fatalf("decode summary metadata: %v", err)
	}
	if meta.FirstID != added[0].ID {
		t.Errorf("first_id = %s, want %s", meta.FirstID, added[0].ID)
	}
	if meta.LastID != added[meta.Covers-1].ID {
		t.Errorf("last_id = %s, want %s", meta.LastID, added[meta.Covers-1].ID)
	}
	if meta.Covers < 1 || meta.Covers >= len(added) {
		t.Errorf("covers = %d, want 1..%d", meta.Covers, len(added)-1)
	}

	// Compacted history: summary exchange plus the uncovered tail.
	history := cm.BuildHistory(msgs)
	if len(history) < 3 {
		t.Fatalf("history too short after compaction: %d", len(history))
	}
	if !strings.Contains(history[0].Content, "condensed history") {
		t.Errorf("summary not hoisted after compaction: %+v", history[0])
	}
	if len(history) >= len(msgs) {
		t.Errorf("compaction did not shrink history: %d messages -> %d", len(msgs), len(history))
	}
}

func TestMaybeCompactReplacesPriorSummary(t *testing.T) {
	stores := store.NewMemoryStores()
	provider := &fakeProvider{
		chatFn: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{Content: "second summary", FinishReason: "stop"}, nil
		},
	}
	cm := NewContextManager(ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      config.LLMConfig{TokenBudgets: map[string]int{"fake-model": 100}},
	})

	ctx := context.Background()
	threadID := store.NewID()
	base := time.Now().UTC().Add(-time.Minute)

	old := userMessage(threadID, strings.Repeat("a", 100), base)
	if err := stores.Messages.Add(ctx, old); err != nil {
		t.Fatal(err)
	}
	prior := &store.Message{
		ID:        store.NewID(),
		ThreadID:  threadID,
		Type:      store.MessageTypeSummary,
		IsLLM:     true,
		Content:   encodeContent(messageContent{Role: "user", Content: "first summary"}),
		Metadata:  mustMarshal(summaryMetadata{Covers: 1, Until: old.CreatedAt, LastID: old.ID}),
		CreatedAt: base.Add(time.Second),
	}
	if err := stores.Messages.Add(ctx, prior); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		m := userMessage(threadID, strings.Repeat("b", 100), base.Add(time.Duration(i+2)*time.Second))
		if err := stores.Messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	cm.MaybeCompact(ctx, threadID, "fake-model")

	msgs, err := stores.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, m := range msgs {
		if m.Type == store.MessageTypeSummary {
			count++
			if mc, ok := decodeContent(m); !ok || mc.Content != "second summary" {
				t.Errorf("stale summary survived: %+v", mc)
			}
		}
	}
	if count != 1 {
		t.Errorf("summary messages = %d, want exactly 1 after replacement", count)
	}
	// The prior summary is folded into the new prompt as existing context.
	if !strings.Contains(provider.lastChat.Messages[0].Content, "first summary") {
		t.Error("prior summary not carried into the summarization prompt")
	}
}

func TestUpdateTunablesIgnoresInvalidRatios(t *testing.T) {
	cm := NewContextManager(ContextManagerConfig{})
	cm.UpdateTunables(
		config.LLMConfig{TokenBudgets: map[string]int{"m": 500}},
		config.ContextConfig{ThresholdRatio: 1.5, TargetRatio: 0.9},
	)
	if got := cm.Budget("m"); got != 500 {
		t.Errorf("budgets not reloaded: %d", got)
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.thresholdRatio != defaultThresholdRatio || cm.targetRatio != defaultTargetRatio {
		t.Errorf("invalid ratios applied: threshold=%v target=%v", cm.thresholdRatio, cm.targetRatio)
	}
}
