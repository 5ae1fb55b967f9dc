package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load builds the effective configuration: defaults, then the optional JSON5
// config file, then environment overrides. Secrets (API keys, DSNs) are
// env-only and never read from the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		switch {
		case os.IsNotExist(err):
			// No config file is fine; env + defaults carry standalone mode.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_DEFAULT_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("LLM_TOKEN_BUDGETS"); v != "" {
		budgets := map[string]int{}
		if err := json.Unmarshal([]byte(v), &budgets); err == nil {
			for k, b := range budgets {
				cfg.LLM.TokenBudgets[k] = b
			}
		}
	}
	if v := os.Getenv("KV_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("SANDBOX_PROVIDER_URL"); v != "" {
		cfg.Sandbox.ProviderURL = v
	}
	if v := os.Getenv("SANDBOX_API_KEY"); v != "" {
		cfg.Sandbox.APIKey = v
	}
	if v := os.Getenv("AGENTD_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
		if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("AGENTD_TOKEN"); v != "" {
		cfg.Server.Token = v
	}

	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setInt("RUN_WORKER_POOL_SIZE", &cfg.Runs.WorkerPoolSize)
	setInt("ADMISSION_TIMEOUT_SECONDS", &cfg.Runs.AdmissionTimeoutSeconds)
	setInt("RESPONSE_LIST_TTL_SECONDS", &cfg.Runs.ResponseListTTLSeconds)
	setFloat("CONTEXT_THRESHOLD_RATIO", &cfg.Context.ThresholdRatio)
	setFloat("CONTEXT_TARGET_RATIO", &cfg.Context.TargetRatio)
}

// Validate rejects configurations that cannot possibly work.
func Validate(cfg *Config) error {
	if cfg.Context.ThresholdRatio <= 0 || cfg.Context.ThresholdRatio > 1 {
		return fmt.Errorf("config: context threshold_ratio %v out of (0,1]", cfg.Context.ThresholdRatio)
	}
	if cfg.Context.TargetRatio <= 0 || cfg.Context.TargetRatio >= cfg.Context.ThresholdRatio {
		return fmt.Errorf("config: context target_ratio %v must be in (0, threshold)", cfg.Context.TargetRatio)
	}
	switch cfg.Database.Driver {
	case "", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("config: postgres driver selected but AGENTD_POSTGRES_DSN is unset")
	}
	for _, t := range cfg.Schedule {
		if strings.TrimSpace(t.Cron) == "" || strings.TrimSpace(t.Prompt) == "" {
			return fmt.Errorf("config: schedule trigger needs both cron and prompt")
		}
	}
	return nil
}

// Save writes cfg to path as indented JSON (a valid JSON5 subset).
// Secret fields are tagged "-" and never serialized.
func Save(cfg *Config, path string) error {
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string { return expandHome(path) }

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
