package protocol

// AgentRunRequest is the JSON body of the "request" part of POST /agent/runs.
type AgentRunRequest struct {
	ModelName            string `json:"model_name,omitempty"`
	EnableThinking       bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort      string `json:"reasoning_effort,omitempty"` // "low", "medium", "high"
	Stream               bool   `json:"stream"`
	EnableContextManager bool   `json:"enable_context_manager"`
	InitialPrompt        string `json:"initial_prompt"`
	UserID               string `json:"user_id,omitempty"` // falls back to the auth header

	// ThreadID continues an existing conversation; empty starts a new
	// project + thread pair.
	ThreadID  string `json:"thread_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	// Tool execution knobs. Strategy "parallel" (default) runs a batch of
	// calls concurrently with results reordered to parse order; "sequential"
	// stops after the first terminal tool.
	ToolExecutionStrategy string `json:"tool_execution_strategy,omitempty"`
	ExecuteTools          *bool  `json:"execute_tools,omitempty"`     // nil = true
	ExecuteOnStream       bool   `json:"execute_on_stream,omitempty"` // dispatch calls while streaming
	MaxXMLToolCalls       int    `json:"max_xml_tool_calls,omitempty"`
}

// ParallelTools reports whether tool calls should be dispatched concurrently.
func (r *AgentRunRequest) ParallelTools() bool {
	return r.ToolExecutionStrategy != "sequential"
}

// ToolsEnabled reports whether parsed calls should actually execute.
func (r *AgentRunRequest) ToolsEnabled() bool {
	return r.ExecuteTools == nil || *r.ExecuteTools
}

// AgentRunResponse is returned by POST /agent/runs and GET /agent/runs/{id}.
type AgentRunResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse is returned by GET /agent/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
