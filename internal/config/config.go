// Package config loads and validates the Coreclaw runtime configuration.
//
// Matching the teacher's convention (GoClaw's internal/config): a single
// Config struct tree is populated from a JSON5-tolerant file, then secrets
// and host/port overrides are layered from environment variables, then the
// result is validated — hardened profile checks run last and can fail
// startup.
package config

// Config is the root configuration for the Coreclaw runtime.
type Config struct {
	WorkspaceDir string `json:"workspaceDir"`
	DataDir      string `json:"dataDir"`
	SqlitePath   string `json:"sqlitePath,omitempty"` // default: {dataDir}/coreclaw.sqlite

	HistoryMaxMessages int  `json:"historyMaxMessages"`
	StoreFullMessages  bool `json:"storeFullMessages"`

	MaxToolIterations int `json:"maxToolIterations"`
	MaxToolOutputChars int `json:"maxToolOutputChars"`

	Provider      ProviderConfig      `json:"provider"`
	Bus           BusConfig           `json:"bus"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Heartbeat     HeartbeatConfig     `json:"heartbeat"`
	Isolation     IsolationConfig     `json:"isolation"`
	Webhook       WebhookConfig       `json:"webhook"`
	Observability ObservabilityConfig `json:"observability"`
	Slo           SloConfig           `json:"slo"`

	AllowShell           bool     `json:"allowShell"`
	AllowedShellCommands []string `json:"allowedShellCommands,omitempty"`
	AllowedEnv           []string `json:"allowedEnv,omitempty"`

	AllowedWebDomains []string `json:"allowedWebDomains,omitempty"`
	AllowedWebPorts   []int    `json:"allowedWebPorts,omitempty"`
	BlockedWebPorts   []int    `json:"blockedWebPorts,omitempty"`

	AdminBootstrapKey            string `json:"adminBootstrapKey,omitempty"` // secret, env only
	AdminBootstrapSingleUse      bool   `json:"adminBootstrapSingleUse"`
	AdminBootstrapMaxAttempts    int    `json:"adminBootstrapMaxAttempts"`
	AdminBootstrapLockoutMinutes int    `json:"adminBootstrapLockoutMinutes"`

	AllowedChannelIdentities []string `json:"allowedChannelIdentities,omitempty"`

	SecurityProfile string `json:"securityProfile"` // "default" or "hardened"
}

// ProviderConfig configures the language-model HTTP provider.
type ProviderConfig struct {
	BaseURL           string  `json:"baseUrl"`
	APIKey            string  `json:"-"` // secret, env only
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	TimeoutMs         int     `json:"timeoutMs"`
	MaxInputTokens    int     `json:"maxInputTokens"`
	ReserveOutputTokens int   `json:"reserveOutputTokens"`
}

// BusConfig configures the durable message bus (spec.md §4.2).
type BusConfig struct {
	PollMs                   int `json:"pollMs"`
	BatchSize                int `json:"batchSize"`
	MaxAttempts              int `json:"maxAttempts"`
	RetryBackoffMs           int `json:"retryBackoffMs"`
	MaxRetryBackoffMs        int `json:"maxRetryBackoffMs"`
	ProcessingTimeoutMs      int `json:"processingTimeoutMs"`
	MaxPendingInbound        int `json:"maxPendingInbound"`
	MaxPendingOutbound       int `json:"maxPendingOutbound"`
	OverloadPendingThreshold int `json:"overloadPendingThreshold"`
	OverloadBackoffMs        int `json:"overloadBackoffMs"`
	PerChatRateLimitWindowMs int `json:"perChatRateLimitWindowMs"`
	PerChatRateLimitMax      int `json:"perChatRateLimitMax"`
}

// SchedulerConfig configures the periodic tick (spec.md §4.3).
type SchedulerConfig struct {
	TickMs int `json:"tickMs"`
}

// HeartbeatConfig configures the heartbeat source (spec.md §4.4).
type HeartbeatConfig struct {
	Enabled             bool   `json:"enabled"`
	IntervalMs          int    `json:"intervalMs"`
	WakeDebounceMs      int    `json:"wakeDebounceMs"`
	WakeRetryMs         int    `json:"wakeRetryMs"`
	PromptPath          string `json:"promptPath,omitempty"`
	ActiveHours         string `json:"activeHours,omitempty"` // "HH:mm-HH:mm", empty = always
	SkipWhenInboundBusy bool   `json:"skipWhenInboundBusy"`
	AckToken            string `json:"ackToken,omitempty"`
	SuppressAck         bool   `json:"suppressAck"`
	DedupeWindowMs      int    `json:"dedupeWindowMs"`
	MaxDispatchPerRun   int    `json:"maxDispatchPerRun"`
}

// IsolationConfig configures the isolated tool runtime (spec.md §4.5).
type IsolationConfig struct {
	Enabled                bool     `json:"enabled"`
	ToolNames              []string `json:"toolNames,omitempty"`
	WorkerTimeoutMs        int      `json:"workerTimeoutMs"`
	MaxWorkerOutputChars   int      `json:"maxWorkerOutputChars"`
	MaxConcurrentWorkers   int      `json:"maxConcurrentWorkers"`
	OpenCircuitAfterFailures int    `json:"openCircuitAfterFailures"`
	CircuitResetMs         int      `json:"circuitResetMs"`
}

// WebhookConfig configures the webhook channel (spec.md §6).
type WebhookConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Path            string `json:"path"`
	AuthToken       string `json:"-"` // secret, env only
	MaxBodyBytes    int64  `json:"maxBodyBytes"`
	OutboxMaxPerChat int   `json:"outboxMaxPerChat"`
	OutboxMaxChats  int    `json:"outboxMaxChats"`
	OutboxChatTtlMs int64  `json:"outboxChatTtlMs"`
}

// ObservabilityConfig configures the optional admin/metrics HTTP listener.
type ObservabilityConfig struct {
	Http HttpListenerConfig `json:"http"`
	Otel OtelConfig         `json:"otel,omitempty"`
}

// HttpListenerConfig configures a simple host/port HTTP listener.
type HttpListenerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// OtelConfig optionally feeds the in-memory metric aggregator into an OTLP
// pipeline, in addition to the plain-text /metrics endpoint.
type OtelConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// SloConfig configures threshold alerting (spec.md §4.10).
type SloConfig struct {
	MaxPendingQueue     int    `json:"maxPendingQueue"`
	MaxDeadLetterQueue  int    `json:"maxDeadLetterQueue"`
	MaxToolFailureRate  float64 `json:"maxToolFailureRate"`
	MaxSchedulerDelayMs int    `json:"maxSchedulerDelayMs"`
	MaxMcpFailureRate   float64 `json:"maxMcpFailureRate"`
	AlertWebhookURL     string `json:"alertWebhookUrl,omitempty"`
	AlertCooldownMs     int    `json:"alertCooldownMs"`
}

// IsHardened reports whether the hardened security profile is active.
func (c *Config) IsHardened() bool {
	return c.SecurityProfile == "hardened"
}
