package providers

import (
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/config"
)

// New builds the provider stack from config: the concrete API client wrapped
// with an optional rate limiter. Anthropic models route to the native API;
// everything else goes through the OpenAI-compatible endpoint.
func New(cfg config.LLMConfig) Provider {
	var p Provider
	if isAnthropicModel(cfg.DefaultModel) && !strings.Contains(cfg.BaseURL, "/v1/chat") {
		opts := []AnthropicOption{WithAnthropicModel(cfg.DefaultModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(cfg.BaseURL))
		}
		p = NewAnthropicProvider(cfg.APIKey, opts...)
	} else {
		p = NewOpenAIProvider("openai", cfg.APIKey, cfg.BaseURL, cfg.DefaultModel)
	}

	if cfg.RateLimitRPM > 0 {
		p = NewRateLimited(p, cfg.RateLimitRPM)
	}
	return p
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}
