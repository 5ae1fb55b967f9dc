package agent

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// stubTool is a minimal tool for parser and runner tests.
type stubTool struct {
	name     string
	tag      string
	terminal bool
	execute  func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "test tool " + s.name }

func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (s *stubTool) Terminal() bool { return s.terminal }

func (s *stubTool) XMLSpec() *tools.XMLSpec {
	if s.tag == "" {
		return nil
	}
	return &tools.XMLSpec{
		Tag:      s.tag,
		Mappings: []tools.XMLMapping{{Param: "text", NodeType: tools.XMLNodeContent}},
	}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if s.execute != nil {
		return s.execute(ctx, args)
	}
	return tools.SilentResult("ok")
}

func newParserRegistry(t *testing.T, tls ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range tls {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestStreamParserJSONCompletesAtClosingBrace(t *testing.T) {
	p := NewStreamParser(newParserRegistry(t), 0)

	got := p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ID: "call-1", Name: "execute_command",
	}})
	if len(got) != 0 {
		t.Fatalf("call completed before any arguments: %v", got)
	}

	got = p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ArgsFragment: `{"command":`,
	}})
	if len(got) != 0 {
		t.Fatalf("call completed with unbalanced braces: %v", got)
	}

	got = p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ArgsFragment: `"ls -la"}`,
	}})
	if len(got) != 1 {
		t.Fatalf("want 1 completed call, got %d", len(got))
	}
	call := got[0]
	if call.ID != "call-1" || call.Name != "execute_command" || call.Source != "json" {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.Arguments["command"] != "ls -la" {
		t.Errorf("command = %v", call.Arguments["command"])
	}

	// Late fragments for a completed call are ignored.
	got = p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ArgsFragment: `{"x":1}`,
	}})
	if len(got) != 0 {
		t.Errorf("completed call fired again: %v", got)
	}
	if extra := p.Finish(); len(extra) != 0 {
		t.Errorf("Finish re-emitted a completed call: %v", extra)
	}
}

func TestStreamParserJSONBracesInsideStrings(t *testing.T) {
	p := NewStreamParser(newParserRegistry(t), 0)

	p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ID: "c1", Name: "write_file",
	}})
	got := p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ArgsFragment: `{"content":"func main() {}`,
	}})
	if len(got) != 0 {
		t.Fatal("brace inside a string must not close the call")
	}
	got = p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ArgsFragment: ` done"}`,
	}})
	if len(got) != 1 {
		t.Fatalf("want completion after real closing brace, got %d calls", len(got))
	}
	if got[0].Arguments["content"] != "func main() {} done" {
		t.Errorf("content = %v", got[0].Arguments["content"])
	}
}

func TestStreamParserFinishFlushesUnbalancedCall(t *testing.T) {
	p := NewStreamParser(newParserRegistry(t), 0)

	p.Feed(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
		Index: 0, ID: "c1", Name: "execute_command", ArgsFragment: `{"command":"ls"`,
	}})

	got := p.Finish()
	if len(got) != 1 {
		t.Fatalf("Finish should flush the unbalanced call, got %d", len(got))
	}
	// Truncated JSON cannot be decoded; the call surfaces with empty args and
	// schema validation reports the problem downstream.
	if len(got[0].Arguments) != 0 {
		t.Errorf("want empty arguments for truncated JSON, got %v", got[0].Arguments)
	}
}

func TestStreamParserXMLAcrossChunks(t *testing.T) {
	reg := newParserRegistry(t, &stubTool{name: "lookup_tool", tag: "lookup"})
	p := NewStreamParser(reg, 0)

	got := p.Feed(providers.StreamChunk{Content: "Let me check. <loo"})
	if len(got) != 0 {
		t.Fatalf("partial tag must stay pending, got %v", got)
	}
	got = p.Feed(providers.StreamChunk{Content: "kup>ls</lookup> done."})
	if len(got) != 1 {
		t.Fatalf("want 1 call after closing tag, got %d", len(got))
	}
	call := got[0]
	if call.ID != "xml-lookup-1" || call.Name != "lookup_tool" || call.Source != "xml" {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.Arguments["text"] != "ls" {
		t.Errorf("text = %v", call.Arguments["text"])
	}
	if p.Content() != "Let me check. <lookup>ls</lookup> done." {
		t.Errorf("Content() = %q", p.Content())
	}
}

func TestStreamParserXMLOrdinalIDs(t *testing.T) {
	reg := newParserRegistry(t, &stubTool{name: "lookup_tool", tag: "lookup"})
	p := NewStreamParser(reg, 0)

	got := p.Feed(providers.StreamChunk{Content: "<lookup>a</lookup><lookup>b</lookup>"})
	if len(got) != 2 {
		t.Fatalf("want 2 calls, got %d", len(got))
	}
	if got[0].ID != "xml-lookup-1" || got[1].ID != "xml-lookup-2" {
		t.Errorf("ids = %q, %q", got[0].ID, got[1].ID)
	}
}

func TestStreamParserXMLCallLimit(t *testing.T) {
	reg := newParserRegistry(t, &stubTool{name: "lookup_tool", tag: "lookup"})
	p := NewStreamParser(reg, 1)

	got := p.Feed(providers.StreamChunk{Content: "<lookup>a</lookup><lookup>b</lookup>"})
	if len(got) != 1 {
		t.Fatalf("limit 1: want 1 call, got %d", len(got))
	}
	if !p.XMLTruncated() {
		t.Error("XMLTruncated should report the cut")
	}
	if more := p.Feed(providers.StreamChunk{Content: "<lookup>c</lookup>"}); len(more) != 0 {
		t.Errorf("calls after truncation: %v", more)
	}
}

func TestStreamParserIgnoresUnregisteredTags(t *testing.T) {
	reg := newParserRegistry(t, &stubTool{name: "lookup_tool", tag: "lookup"})
	p := NewStreamParser(reg, 0)

	got := p.Feed(providers.StreamChunk{Content: "x < y and <b>bold</b> and <unknown>z</unknown>"})
	if len(got) != 0 {
		t.Errorf("unregistered tags produced calls: %v", got)
	}
	if extra := p.Finish(); len(extra) != 0 {
		t.Errorf("Finish produced calls: %v", extra)
	}
}

func TestStreamParserThinkingAccumulates(t *testing.T) {
	p := NewStreamParser(newParserRegistry(t), 0)
	p.Feed(providers.StreamChunk{Thinking: "hmm, "})
	p.Feed(providers.StreamChunk{Thinking: "let me see"})
	if p.Thinking() != "hmm, let me see" {
		t.Errorf("Thinking() = %q", p.Thinking())
	}
}
