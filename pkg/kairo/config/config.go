// Package config defines the Kairo configuration tree, its defaults and the
// loaders that populate it from YAML, .env files, the environment and the OS
// keyring.
package config

import (
	"errors"
	"time"
)

// ErrNoAPIKey is returned when no model credential could be resolved.
var ErrNoAPIKey = errors.New("no model API key configured")

// Config is the root configuration for a Kairo process.
type Config struct {
	// Name is the assistant's display name.
	Name string `yaml:"name"`

	// Bridge selects the messaging transport (cli, whatsapp, twilio, discord).
	Bridge string `yaml:"bridge"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Router    RouterConfig    `yaml:"router"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Resources ResourcesConfig `yaml:"resources"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Discord   DiscordConfig   `yaml:"discord"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP ingestion and polling server.
type ServerConfig struct {
	Address string `yaml:"address"`

	// AuthToken, when set, requires "Authorization: Bearer <token>" on the
	// polling and ingestion endpoints.
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the model capability.
type LLMConfig struct {
	// Provider is "openai" (default) or "anthropic".
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// AgentConfig tunes turn construction.
type AgentConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// RouterConfig tunes inbound handling.
type RouterConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	SerializePerUser bool          `yaml:"serialize_per_user"`
}

// SchedulerConfig configures the background ritual/reminder loop.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          string        `yaml:"interval"`
	ReminderLookahead time.Duration `yaml:"reminder_lookahead"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
}

// ResourcesConfig points at optional prompt/message overrides. Empty paths
// use the embedded defaults.
type ResourcesConfig struct {
	Prompts         string `yaml:"prompts"`
	Messages        string `yaml:"messages"`
	DefaultLanguage string `yaml:"default_language"`
}

// TwilioConfig configures the Twilio WhatsApp push bridge.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	FromNumber        string `yaml:"from_number"`
	ValidateSignature bool   `yaml:"validate_signature"`

	// WebhookURL is the public URL Twilio posts to, used for signature checks.
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig configures the Discord push bridge.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// PersistLevel is the minimum level mirrored into the system_logs table.
	PersistLevel string `yaml:"persist_level"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:   "Kairo",
		Bridge: "cli",
		Server: ServerConfig{
			Address: ":8001",
		},
		Database: DatabaseConfig{
			Path: "data/kairo.db",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4-turbo",
			Temperature: 0.2,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			MaxRetries:  1,
		},
		Agent: AgentConfig{
			HistoryLimit: 10,
		},
		Router: RouterConfig{
			DedupWindow:      30 * time.Second,
			SerializePerUser: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Interval:          "@every 1m",
			ReminderLookahead: time.Minute,
			JobTimeout:        50 * time.Second,
		},
		Resources: ResourcesConfig{
			DefaultLanguage: "en",
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			PersistLevel: "warn",
		},
	}
}
