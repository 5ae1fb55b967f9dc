package config

import "time"

// Config is the root configuration for the agentd server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	KV        KVConfig        `json:"kv"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Runs      RunsConfig      `json:"runs"`
	Context   ContextConfig   `json:"context"`
	Tools     ToolsConfig     `json:"tools"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Schedule  []TriggerSpec   `json:"schedule,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env AGENTD_TOKEN only, never persisted
}

// LLMConfig configures the upstream model API.
// APIKey is NEVER read from the config file — only from env LLM_API_KEY.
type LLMConfig struct {
	APIKey       string         `json:"-"`
	BaseURL      string         `json:"base_url,omitempty"`
	DefaultModel string         `json:"default_model"`
	MaxTokens    int            `json:"max_tokens"`
	Temperature  float64        `json:"temperature"`
	TokenBudgets map[string]int `json:"token_budgets,omitempty"` // model → context window
	// RateLimitRPM caps LLM calls per minute per account (0 = unlimited).
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
	// TimeoutSeconds is the per-call inter-token timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// KVConfig configures the pub/sub + response list substrate.
// An empty URL selects the in-process substrate (standalone mode).
type KVConfig struct {
	URL string `json:"url,omitempty"` // redis://host:port/db, from env KV_URL
}

// DatabaseConfig selects the message store backend.
// PostgresDSN comes only from env AGENTD_POSTGRES_DSN (secret).
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "postgres", "sqlite" (default), "memory"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// SandboxConfig configures the execution sandbox provider.
type SandboxConfig struct {
	ProviderURL string `json:"provider_url,omitempty"` // remote provider (reserved)
	APIKey      string `json:"-"`                      // from env SANDBOX_API_KEY only
	Image       string `json:"image,omitempty"`        // docker image for local sandboxes
	Workspace   string `json:"workspace,omitempty"`    // host dir backing sandbox workspaces
	// ProvisionTimeoutSeconds bounds sandbox creation (one retry on timeout).
	ProvisionTimeoutSeconds int `json:"provision_timeout_seconds,omitempty"`
}

// RunsConfig governs run admission and lifecycle.
type RunsConfig struct {
	WorkerPoolSize          int `json:"worker_pool_size,omitempty"` // 0 = CPUs×4, capped at 64
	AdmissionTimeoutSeconds int `json:"admission_timeout_seconds,omitempty"`
	MaxAutoContinues        int `json:"max_auto_continues,omitempty"`
	ResponseListTTLSeconds  int `json:"response_list_ttl_seconds,omitempty"`
	StatusTTLSeconds        int `json:"status_ttl_seconds,omitempty"`
	ToolTimeoutSeconds      int `json:"tool_timeout_seconds,omitempty"`
}

// ContextConfig tunes conversation compaction.
type ContextConfig struct {
	ThresholdRatio float64 `json:"threshold_ratio,omitempty"` // compact above this share of budget
	TargetRatio    float64 `json:"target_ratio,omitempty"`    // head share kept verbatim
	// CharsPerToken overrides the estimation divisor per model family
	// (prefix match). The heuristic is a tunable knob, not a tokenizer.
	CharsPerToken map[string]float64 `json:"chars_per_token,omitempty"`
}

// ToolsConfig configures builtin tools and external tool servers.
type ToolsConfig struct {
	Web     WebToolsConfig   `json:"web"`
	Browser BrowserConfig    `json:"browser"`
	Shell   ShellToolConfig  `json:"shell"`
	MCP     []MCPServerSpec  `json:"mcp,omitempty"`
}

// WebToolsConfig configures the web_search tool.
type WebToolsConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results,omitempty"`
}

// BrowserConfig configures the local headless browser tools.
type BrowserConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless"`
}

// ShellToolConfig configures the sandbox shell tool.
type ShellToolConfig struct {
	Restrict       bool `json:"restrict"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

// MCPServerSpec describes one external MCP tool server.
type MCPServerSpec struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ToolPrefix     string            `json:"tool_prefix,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Disabled       bool              `json:"disabled,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// TriggerSpec is a cron-style scheduled run.
type TriggerSpec struct {
	Cron      string `json:"cron"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// AdmissionTimeout returns the pending-run deadline as a duration.
func (c *RunsConfig) AdmissionTimeout() time.Duration {
	if c.AdmissionTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.AdmissionTimeoutSeconds) * time.Second
}

// ResponseListTTL returns the replay list retention as a duration.
func (c *RunsConfig) ResponseListTTL() time.Duration {
	if c.ResponseListTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.ResponseListTTLSeconds) * time.Second
}

// StatusTTL returns the status key retention as a duration.
func (c *RunsConfig) StatusTTL() time.Duration {
	if c.StatusTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.StatusTTLSeconds) * time.Second
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18800,
		},
		LLM: LLMConfig{
			DefaultModel:   "gpt-4o",
			MaxTokens:      8192,
			Temperature:    0.7,
			TimeoutSeconds: 120,
			TokenBudgets: map[string]int{
				"gpt-4o":   128000,
				"claude-3": 200000,
			},
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.agentd/agentd.db",
		},
		Sandbox: SandboxConfig{
			Image:                   "node:20-slim",
			Workspace:               "~/.agentd/workspace",
			ProvisionTimeoutSeconds: 30,
		},
		Runs: RunsConfig{
			AdmissionTimeoutSeconds: 60,
			MaxAutoContinues:        25,
			ResponseListTTLSeconds:  24 * 3600,
			StatusTTLSeconds:        3600,
			ToolTimeoutSeconds:      60,
		},
		Context: ContextConfig{
			ThresholdRatio: 0.75,
			TargetRatio:    0.40,
		},
		Tools: ToolsConfig{
			Web:     WebToolsConfig{Enabled: true, MaxResults: 5},
			Browser: BrowserConfig{Enabled: false, Headless: true},
			Shell:   ShellToolConfig{Restrict: true, TimeoutSeconds: 60},
		},
	}
}
