// Package config holds the runtime configuration for the replyloop server.
// Values come from a JSON5 file overlaid with environment variables; secrets
// are env-only and never persist to disk.
package config

import (
	"encoding/json"
	"sync"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Engine    EngineConfig    `json:"engine,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the webhook/API HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token gates the activity feed and internal endpoints. From env
	// REPLYLOOP_SERVER_TOKEN only.
	Token string `json:"-"`
	// RateLimitRPM caps inbound webhook deliveries per remote key.
	RateLimitRPM int `json:"rate_limit_rpm"`
	// MaxBodyBytes caps inbound webhook payload size.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// DatabaseConfig selects storage mode. PostgresDSN is NEVER read from the
// config file — only from env REPLYLOOP_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	// Mode is "standalone" (SQLite file, default) or "managed" (Postgres).
	Mode       string `json:"mode,omitempty"`
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the server runs against Postgres.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// ProvidersConfig holds AI provider settings. API keys are env-only.
type ProvidersConfig struct {
	// Default selects the generator: "anthropic" or "openai".
	Default   string         `json:"default,omitempty"`
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's settings.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// EngineConfig tunes rule execution.
type EngineConfig struct {
	// ExternalTimeout bounds each storage/provider/platform call,
	// Go duration string ("15s").
	ExternalTimeout string `json:"external_timeout,omitempty"`
	// MaxRuleDelay caps per-rule configured delays ("5m").
	MaxRuleDelay string `json:"max_rule_delay,omitempty"`
}

// Durations returns the parsed engine timeouts, zero where unset or invalid.
func (ec EngineConfig) Durations() (externalTimeout, maxRuleDelay time.Duration) {
	if ec.ExternalTimeout != "" {
		if d, err := time.ParseDuration(ec.ExternalTimeout); err == nil && d > 0 {
			externalTimeout = d
		}
	}
	if ec.MaxRuleDelay != "" {
		if d, err := time.ParseDuration(ec.MaxRuleDelay); err == nil && d > 0 {
			maxRuleDelay = d
		}
	}
	return externalTimeout, maxRuleDelay
}

// SchedulerConfig configures the time-trigger sweep.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// TickInterval is how often due time rules are swept ("1m").
	TickInterval string `json:"tick_interval,omitempty"`
	// Tenants lists tenant/agent pairs the in-process scheduler sweeps.
	// Deployments that drive ticks via POST /internal/cron/tick leave
	// this empty.
	Tenants []TenantBinding `json:"tenants,omitempty"`
}

// TenantBinding names one tenant/agent pair for scheduled sweeps.
type TenantBinding struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

// ChannelsConfig holds per-platform webhook verification settings. Platform
// access tokens live in the credential store, not here; these are the
// endpoint-level secrets the platforms use to sign or verify deliveries.
type ChannelsConfig struct {
	Facebook  MetaChannelConfig     `json:"facebook,omitempty"`
	Instagram MetaChannelConfig     `json:"instagram,omitempty"`
	Telegram  TelegramChannelConfig `json:"telegram,omitempty"`
}

// MetaChannelConfig covers the Facebook/Instagram Graph webhook handshake.
type MetaChannelConfig struct {
	// VerifyToken answers the hub.challenge subscription handshake. From
	// env only.
	VerifyToken string `json:"-"`
	// AppSecret signs deliveries (X-Hub-Signature-256). From env only.
	AppSecret string `json:"-"`
}

// TelegramChannelConfig covers the Telegram webhook secret header.
type TelegramChannelConfig struct {
	// SecretToken is echoed by Telegram in
	// X-Telegram-Bot-Api-Secret-Token. From env only.
	SecretToken string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the file watcher on reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = src.Server
	c.Database = src.Database
	c.Providers = src.Providers
	c.Engine = src.Engine
	c.Scheduler = src.Scheduler
	c.Channels = src.Channels
	c.Telemetry = src.Telemetry
}

// Snapshot returns a copy of the current data fields for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Server:    c.Server,
		Database:  c.Database,
		Providers: c.Providers,
		Engine:    c.Engine,
		Scheduler: c.Scheduler,
		Channels:  c.Channels,
		Telemetry: c.Telemetry,
	}
}

const secretMask = "***"

// MaskedJSON renders the config for diagnostics with secrets masked.
func (c *Config) MaskedJSON() ([]byte, error) {
	cp := c.Snapshot()
	maskNonEmpty(&cp.Server.Token)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Channels.Facebook.VerifyToken)
	maskNonEmpty(&cp.Channels.Facebook.AppSecret)
	maskNonEmpty(&cp.Channels.Instagram.VerifyToken)
	maskNonEmpty(&cp.Channels.Instagram.AppSecret)
	maskNonEmpty(&cp.Channels.Telegram.SecretToken)
	return json.MarshalIndent(&cp, "", "  ")
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
