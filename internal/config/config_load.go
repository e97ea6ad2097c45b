package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, matching spec.md §6.
func Default() *Config {
	return &Config{
		WorkspaceDir:       "~/.coreclaw/workspace",
		DataDir:            "~/.coreclaw/data",
		HistoryMaxMessages: 50,
		StoreFullMessages:  true,
		MaxToolIterations:  20,
		MaxToolOutputChars: 8000,
		Provider: ProviderConfig{
			BaseURL:             "http://localhost:11434/v1",
			Model:               "default",
			Temperature:         0.7,
			TimeoutMs:           60000,
			MaxInputTokens:      128000,
			ReserveOutputTokens: 4096,
		},
		Bus: BusConfig{
			PollMs:                   250,
			BatchSize:                10,
			MaxAttempts:              5,
			RetryBackoffMs:           1000,
			MaxRetryBackoffMs:        60000,
			ProcessingTimeoutMs:      120000,
			MaxPendingInbound:        1000,
			MaxPendingOutbound:       1000,
			OverloadPendingThreshold: 500,
			OverloadBackoffMs:        2000,
			PerChatRateLimitWindowMs: 10000,
			PerChatRateLimitMax:      5,
		},
		Scheduler: SchedulerConfig{
			TickMs: 1000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:             false,
			IntervalMs:          1800000,
			WakeDebounceMs:      5000,
			WakeRetryMs:         30000,
			SkipWhenInboundBusy: true,
			DedupeWindowMs:      60000,
			MaxDispatchPerRun:   50,
		},
		Isolation: IsolationConfig{
			Enabled:                  true,
			ToolNames:                []string{"shell.exec", "web.fetch", "fs.write"},
			WorkerTimeoutMs:          30000,
			MaxWorkerOutputChars:     16000,
			MaxConcurrentWorkers:     4,
			OpenCircuitAfterFailures: 5,
			CircuitResetMs:           30000,
		},
		Webhook: WebhookConfig{
			Enabled:          false,
			Host:             "127.0.0.1",
			Port:             8787,
			Path:             "/webhook",
			MaxBodyBytes:     1 << 20,
			OutboxMaxPerChat: 100,
			OutboxMaxChats:   1000,
			OutboxChatTtlMs:  3600000,
		},
		Observability: ObservabilityConfig{
			Http: HttpListenerConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    9090,
			},
		},
		Slo: SloConfig{
			MaxPendingQueue:     500,
			MaxDeadLetterQueue:  50,
			MaxToolFailureRate:  0.2,
			MaxSchedulerDelayMs: 5000,
			MaxMcpFailureRate:   0.2,
			AlertCooldownMs:     300000,
		},
		AllowShell:                   false,
		AdminBootstrapSingleUse:      true,
		AdminBootstrapMaxAttempts:    5,
		AdminBootstrapLockoutMinutes: 15,
		SecurityProfile:              "default",
	}
}

// Load reads config from a JSON5 file, overlays env vars, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays secrets and a handful of deployment knobs from
// the environment. Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CORECLAW_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("CORECLAW_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	envStr("CORECLAW_PROVIDER_MODEL", &c.Provider.Model)

	envStr("CORECLAW_WORKSPACE_DIR", &c.WorkspaceDir)
	envStr("CORECLAW_DATA_DIR", &c.DataDir)
	envStr("CORECLAW_SQLITE_PATH", &c.SqlitePath)

	envStr("CORECLAW_ADMIN_BOOTSTRAP_KEY", &c.AdminBootstrapKey)

	envStr("CORECLAW_WEBHOOK_HOST", &c.Webhook.Host)
	envStr("CORECLAW_WEBHOOK_PATH", &c.Webhook.Path)
	envStr("CORECLAW_WEBHOOK_AUTH_TOKEN", &c.Webhook.AuthToken)
	envBool("CORECLAW_WEBHOOK_ENABLED", &c.Webhook.Enabled)
	envInt("CORECLAW_WEBHOOK_PORT", &c.Webhook.Port)

	envStr("CORECLAW_OBSERVABILITY_HOST", &c.Observability.Http.Host)
	envBool("CORECLAW_OBSERVABILITY_ENABLED", &c.Observability.Http.Enabled)
	envInt("CORECLAW_OBSERVABILITY_PORT", &c.Observability.Http.Port)
	envStr("CORECLAW_OTEL_ENDPOINT", &c.Observability.Otel.Endpoint)

	envStr("CORECLAW_SECURITY_PROFILE", &c.SecurityProfile)
	envBool("CORECLAW_ALLOW_SHELL", &c.AllowShell)

	if v := os.Getenv("CORECLAW_ALLOWED_WEB_DOMAINS"); v != "" {
		c.AllowedWebDomains = splitTrim(v)
	}
	if v := os.Getenv("CORECLAW_ALLOWED_SHELL_COMMANDS"); v != "" {
		c.AllowedShellCommands = splitTrim(v)
	}
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolvedWorkspaceDir returns the expanded, absolute workspace directory.
func (c *Config) ResolvedWorkspaceDir() string {
	return ExpandHome(c.WorkspaceDir)
}

// ResolvedDataDir returns the expanded, absolute data directory.
func (c *Config) ResolvedDataDir() string {
	return ExpandHome(c.DataDir)
}

// ResolvedSqlitePath returns the effective sqlite file path, defaulting to
// {dataDir}/coreclaw.sqlite when sqlitePath is not set.
func (c *Config) ResolvedSqlitePath() string {
	if c.SqlitePath != "" {
		return ExpandHome(c.SqlitePath)
	}
	return c.ResolvedDataDir() + "/coreclaw.sqlite"
}
