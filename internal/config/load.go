package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         18620,
			RateLimitRPM: 120,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.replyloop/replyloop.db",
		},
		Providers: ProvidersConfig{
			Default:   "anthropic",
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-5-20250929"},
			OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
		},
		Engine: EngineConfig{
			ExternalTimeout: "15s",
			MaxRuleDelay:    "5m",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: "1m",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "replyloop",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only exist in env.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("REPLYLOOP_HOST", &c.Server.Host)
	if v := os.Getenv("REPLYLOOP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	envStr("REPLYLOOP_SERVER_TOKEN", &c.Server.Token)

	envStr("REPLYLOOP_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("REPLYLOOP_MODE", &c.Database.Mode)
	envStr("REPLYLOOP_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("REPLYLOOP_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("REPLYLOOP_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("REPLYLOOP_PROVIDER", &c.Providers.Default)
	envStr("REPLYLOOP_MODEL", &c.Providers.Anthropic.Model)

	envStr("REPLYLOOP_FACEBOOK_VERIFY_TOKEN", &c.Channels.Facebook.VerifyToken)
	envStr("REPLYLOOP_FACEBOOK_APP_SECRET", &c.Channels.Facebook.AppSecret)
	envStr("REPLYLOOP_INSTAGRAM_VERIFY_TOKEN", &c.Channels.Instagram.VerifyToken)
	envStr("REPLYLOOP_INSTAGRAM_APP_SECRET", &c.Channels.Instagram.AppSecret)
	envStr("REPLYLOOP_TELEGRAM_SECRET_TOKEN", &c.Channels.Telegram.SecretToken)

	envStr("REPLYLOOP_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("REPLYLOOP_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("REPLYLOOP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("REPLYLOOP_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to disk. Secret fields carry `json:"-"` so they
// never persist.
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
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
