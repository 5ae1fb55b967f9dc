package tools

import "context"

// Tool is the interface implemented by all agent tools.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() map[string]interface{}

	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// TerminalTool marks tools that end the agent loop when invoked
// (complete, ask, web_browser_takeover).
type TerminalTool interface {
	Tool
	Terminal() bool
}

// XMLTool exposes an XML invocation format in addition to native function
// calling, for models that emit tool calls as tagged text.
type XMLTool interface {
	Tool
	XMLSpec() *XMLSpec
}
