package tools

import (
	"context"
	"strings"
)

// CompleteTool signals that the agent has finished its task. Invoking it ends
// the run loop with a COMPLETED status.
type CompleteTool struct{}

func NewCompleteTool() *CompleteTool { return &CompleteTool{} }

func (t *CompleteTool) Name() string { return "complete" }

func (t *CompleteTool) Terminal() bool { return true }

func (t *CompleteTool) Description() string {
	return "Signal that the task is complete. Call this when all requested work is done; it ends the agent run."
}

func (t *CompleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Optional short summary of what was accomplished",
			},
		},
	}
}

func (t *CompleteTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "complete",
		Mappings: []XMLMapping{
			{Param: "summary", NodeType: XMLNodeContent},
		},
		Example: `<complete>Refactored the parser and all tests pass.</complete>`,
	}
}

func (t *CompleteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	summary, _ := args["summary"].(string)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return NewResult(`{"status":"complete"}`)
	}
	return UserResult(`{"status":"complete"}`, summary)
}

// AskTool pauses the run to ask the user a question. Terminal: the run ends
// and the conversation resumes when the user replies on the thread.
type AskTool struct{}

func NewAskTool() *AskTool { return &AskTool{} }

func (t *AskTool) Name() string { return "ask" }

func (t *AskTool) Terminal() bool { return true }

func (t *AskTool) Description() string {
	return "Ask the user a question and wait for their reply. Ends the current run; the conversation continues when the user responds."
}

func (t *AskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "The question to put to the user",
			},
			"attachments": map[string]interface{}{
				"type":        "string",
				"description": "Optional comma-separated workspace file paths to show alongside the question",
			},
		},
		"required": []string{"text"},
	}
}

func (t *AskTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "ask",
		Mappings: []XMLMapping{
			{Param: "text", NodeType: XMLNodeContent, Required: true},
			{Param: "attachments", NodeType: XMLNodeAttribute, Path: "attachments"},
		},
		Example: "<ask attachments=\"report.md\">Should I proceed with the deployment?</ask>",
	}
}

func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrorResult("text is required")
	}

	var attachments []string
	if raw, _ := args["attachments"].(string); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				attachments = append(attachments, a)
			}
		}
	}

	forLLM := `{"status":"awaiting_user_input"}`
	if len(attachments) > 0 {
		forLLM = `{"status":"awaiting_user_input","attachments":"` + strings.Join(attachments, ",") + `"}`
	}
	return UserResult(forLLM, text)
}
