package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// StreamParser incrementally extracts tool calls from a model's output stream.
// Two invocation styles are recognized:
//
//   - JSON tool calls delivered as provider tool-call deltas. A call is
//     complete the moment its argument JSON closes, which can be well before
//     the stream ends.
//   - XML tags embedded in assistant text, matched against the registry's tag
//     index. A call is complete when its closing tag arrives.
//
// Feed returns calls as they complete so the runner can start executing while
// the model is still streaming.
type StreamParser struct {
	registry    *tools.Registry
	maxXMLCalls int // 0 = unlimited

	content  strings.Builder
	thinking strings.Builder

	// JSON tool-call accumulation, keyed by the provider's call index.
	jsonAccums map[int]*jsonAccum
	jsonOrder  []int

	// XML scanning state.
	scanFrom     int
	xmlOrdinals  map[string]int
	xmlCount     int
	xmlTruncated bool
}

// jsonAccum tracks one streamed JSON tool call and its brace depth.
type jsonAccum struct {
	id       string
	name     string
	args     strings.Builder
	depth    int
	started  bool // saw the opening brace
	inString bool
	escaped  bool
	done     bool
}

func NewStreamParser(registry *tools.Registry, maxXMLCalls int) *StreamParser {
	return &StreamParser{
		registry:    registry,
		maxXMLCalls: maxXMLCalls,
		jsonAccums:  make(map[int]*jsonAccum),
		xmlOrdinals: make(map[string]int),
	}
}

// Feed consumes one stream chunk and returns any tool calls that completed.
func (p *StreamParser) Feed(chunk providers.StreamChunk) []tools.Call {
	var completed []tools.Call

	if chunk.Thinking != "" {
		p.thinking.WriteString(chunk.Thinking)
	}
	if chunk.Content != "" {
		p.content.WriteString(chunk.Content)
		completed = append(completed, p.scanXML()...)
	}
	if chunk.ToolCall != nil {
		if call, ok := p.feedJSONDelta(chunk.ToolCall); ok {
			completed = append(completed, call)
		}
	}
	return completed
}

// Finish flushes calls whose argument JSON arrived without a trailing close
// detection (providers that send complete arguments in one fragment after the
// final brace count reached zero are already flushed; this catches calls whose
// fragments never balanced, for providers that omit the outer braces).
func (p *StreamParser) Finish() []tools.Call {
	var completed []tools.Call
	for _, idx := range p.jsonOrder {
		acc := p.jsonAccums[idx]
		if acc.done {
			continue
		}
		if call, ok := p.finalizeJSON(acc); ok {
			completed = append(completed, call)
		}
	}
	return completed
}

// Content returns the accumulated assistant text.
func (p *StreamParser) Content() string { return p.content.String() }

// Thinking returns the accumulated reasoning text.
func (p *StreamParser) Thinking() string { return p.thinking.String() }

// XMLTruncated reports whether the XML call limit cut off further parsing.
func (p *StreamParser) XMLTruncated() bool { return p.xmlTruncated }

func (p *StreamParser) feedJSONDelta(delta *providers.ToolCallDelta) (tools.Call, bool) {
	acc, ok := p.jsonAccums[delta.Index]
	if !ok {
		acc = &jsonAccum{}
		p.jsonAccums[delta.Index] = acc
		p.jsonOrder = append(p.jsonOrder, delta.Index)
	}
	if delta.ID != "" {
		acc.id = delta.ID
	}
	if delta.Name != "" {
		acc.name = delta.Name
	}
	if delta.ArgsFragment == "" || acc.done {
		return tools.Call{}, false
	}

	acc.args.WriteString(delta.ArgsFragment)

	// Track brace depth across fragments, ignoring braces inside strings.
	for _, r := range delta.ArgsFragment {
		if acc.escaped {
			acc.escaped = false
			continue
		}
		switch r {
		case '\\':
			if acc.inString {
				acc.escaped = true
			}
		case '"':
			acc.inString = !acc.inString
		case '{':
			if !acc.inString {
				acc.depth++
				acc.started = true
			}
		case '}':
			if !acc.inString {
				acc.depth--
			}
		}
	}

	// Complete at the closing brace, not at stream end.
	if acc.started && acc.depth == 0 {
		return p.finalizeJSON(acc)
	}
	return tools.Call{}, false
}

func (p *StreamParser) finalizeJSON(acc *jsonAccum) (tools.Call, bool) {
	if acc.done || acc.name == "" {
		acc.done = true
		return tools.Call{}, false
	}
	acc.done = true

	args := make(map[string]interface{})
	raw := strings.TrimSpace(acc.args.String())
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			slog.Warn("tool call arguments are not valid JSON",
				"tool", acc.name, "call_id", acc.id, "error", err)
			// Leave args empty; schema validation reports the failure to the model.
			args = make(map[string]interface{})
		}
	}
	return tools.Call{
		ID:        acc.id,
		Name:      acc.name,
		Arguments: args,
		Source:    "json",
	}, true
}

// scanXML looks for complete registered tags in the text accumulated so far.
// Scanning resumes where it left off; an opening tag without its closing tag
// yet stays pending until more content arrives.
func (p *StreamParser) scanXML() []tools.Call {
	if p.xmlTruncated {
		return nil
	}

	var completed []tools.Call
	text := p.content.String()

	for {
		rel := strings.IndexByte(text[p.scanFrom:], '<')
		if rel < 0 {
			return completed
		}
		pos := p.scanFrom + rel

		tag, entry, pending := p.matchTag(text[pos:])
		if pending {
			// Tag name may still be streaming in; retry from here next chunk.
			p.scanFrom = pos
			return completed
		}
		if tag == "" {
			p.scanFrom = pos + 1
			continue
		}

		closeTag := "</" + tag + ">"
		closeRel := strings.Index(text[pos:], closeTag)
		if closeRel < 0 {
			// Closing tag not streamed yet; retry from here next chunk.
			p.scanFrom = pos
			return completed
		}
		end := pos + closeRel + len(closeTag)
		fragment := text[pos:end]

		args, err := tools.ParseXML(entry.XML, fragment)
		if err != nil {
			slog.Warn("malformed xml tool call", "tag", tag, "error", err)
			p.scanFrom = end
			continue
		}

		p.xmlOrdinals[tag]++
		p.xmlCount++
		completed = append(completed, tools.Call{
			ID:        fmt.Sprintf("xml-%s-%d", tag, p.xmlOrdinals[tag]),
			Name:      entry.Tool.Name(),
			Arguments: args,
			Source:    "xml",
		})
		p.scanFrom = end

		if p.maxXMLCalls > 0 && p.xmlCount >= p.maxXMLCalls {
			p.xmlTruncated = true
			slog.Info("xml tool call limit reached, ignoring further tags", "limit", p.maxXMLCalls)
			return completed
		}
	}
}

// matchTag checks whether the text at an '<' starts a registered tag.
// pending means the buffer ends mid-tag-name and the decision must wait for
// more content.
func (p *StreamParser) matchTag(s string) (tag string, entry *tools.Entry, pending bool) {
	// s[0] == '<'. Extract the candidate tag name.
	i := 1
	for i < len(s) && isTagChar(s[i]) {
		i++
	}
	if i == 1 {
		return "", nil, false
	}
	if i >= len(s) {
		return "", nil, true
	}
	if s[i] != '>' && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
		return "", nil, false
	}
	e, ok := p.registry.GetByTag(s[1:i])
	if !ok || e.XML == nil {
		return "", nil, false
	}
	return s[1:i], e, false
}

func isTagChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
