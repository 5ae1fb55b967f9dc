package agent

import (
	"fmt"
	"strings"
	"time"
)

// SystemPromptConfig carries everything the system prompt is built from.
type SystemPromptConfig struct {
	Model           string
	Workspace       string
	SandboxEnabled  bool
	ToolNames       []string
	XMLExamples     string
	EnableXMLTools  bool
	ExtraPrompt     string
}

// BuildSystemPrompt renders the system prompt for a run. Kept deliberately
// short: tool schemas travel in the request's tool definitions, the prompt
// only explains the environment and the XML invocation style.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	b.WriteString("You are an autonomous agent executing tasks on behalf of a user.\n\n")
	fmt.Fprintf(&b, "Current date: %s\n", time.Now().UTC().Format("2006-01-02"))
	if cfg.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", cfg.Model)
	}

	if cfg.Workspace != "" {
		b.WriteString("\n## Workspace\n")
		if cfg.SandboxEnabled {
			b.WriteString("You work inside an isolated sandbox. Files live under /workspace; ")
			b.WriteString("shell commands run inside the sandbox container.\n")
		} else {
			fmt.Fprintf(&b, "Your working directory is %s. All file paths are relative to it.\n", cfg.Workspace)
		}
	}

	if len(cfg.ToolNames) > 0 {
		b.WriteString("\n## Tools\n")
		b.WriteString("Available tools: ")
		b.WriteString(strings.Join(cfg.ToolNames, ", "))
		b.WriteString("\n")
		b.WriteString("When the task is finished, call the complete tool. ")
		b.WriteString("When you need input from the user, call the ask tool.\n")
	}

	if cfg.EnableXMLTools && cfg.XMLExamples != "" {
		b.WriteString("\n## XML tool invocation\n")
		b.WriteString("Tools can also be invoked with XML tags placed directly in your response. ")
		b.WriteString("Emit the complete tag; it is executed as soon as the closing tag is parsed.\n\n")
		b.WriteString(cfg.XMLExamples)
		b.WriteString("\n")
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
