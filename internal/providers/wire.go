package providers

// OpenAI-compatible wire structs. Our internal Message/ToolCall types don't
// match the API shape (tool_calls need a type+function wrapper, arguments as
// a JSON string), so requests and responses go through these.

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIMessage struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// cleanToolSchemas strips JSON Schema keywords some OpenAI-compatible
// backends reject (additionalProperties, $schema) from tool parameters.
func cleanToolSchemas(tools []ToolDefinition) []ToolDefinition {
	cleaned := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		cleaned[i] = t
		cleaned[i].Function.Parameters = cleanSchemaMap(t.Function.Parameters)
	}
	return cleaned
}

func cleanSchemaMap(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "$schema" {
			continue
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchemaMap(vv)
		case []interface{}:
			items := make([]interface{}, len(vv))
			for j, item := range vv {
				if m, ok := item.(map[string]interface{}); ok {
					items[j] = cleanSchemaMap(m)
				} else {
					items[j] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
