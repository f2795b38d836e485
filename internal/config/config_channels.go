package config

import (
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WebChat WebChatConfig `json:"webchat"`

	// SendRate limits outbound messages per chat (messages/second, 0 = unlimited).
	SendRate  float64 `json:"send_rate,omitempty"`
	SendBurst int     `json:"send_burst,omitempty"`
}

// WebChatConfig configures the built-in websocket chat channel.
type WebChatConfig struct {
	Enabled   bool                `json:"enabled"`
	Path      string              `json:"path,omitempty"` // default "/chat"
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// ProvidersConfig holds API endpoints for OpenAI-compatible providers and
// external CLI backends.
type ProvidersConfig struct {
	OpenAI     ProviderConfig                  `json:"openai"`
	OpenRouter ProviderConfig                  `json:"openrouter"`
	Groq       ProviderConfig                  `json:"groq"`
	DeepSeek   ProviderConfig                  `json:"deepseek"`
	Custom     map[string]ProviderConfig       `json:"custom,omitempty"`
	CLI        map[string]providers.CLIBackend `json:"cli,omitempty"`
}

type ProviderConfig struct {
	APIKey       string `json:"api_key"`
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

// Builtin returns the named built-in provider sections in registration order.
func (p *ProvidersConfig) Builtin() []NamedProvider {
	return []NamedProvider{
		{Name: "openai", Base: "https://api.openai.com/v1", Config: p.OpenAI},
		{Name: "openrouter", Base: "https://openrouter.ai/api/v1", Config: p.OpenRouter},
		{Name: "groq", Base: "https://api.groq.com/openai/v1", Config: p.Groq},
		{Name: "deepseek", Base: "https://api.deepseek.com/v1", Config: p.DeepSeek},
	}
}

// NamedProvider pairs a provider section with its name and default base URL.
type NamedProvider struct {
	Name   string
	Base   string
	Config ProviderConfig
}

// HasAnyProvider returns true if at least one provider is usable.
func (c *Config) HasAnyProvider() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, np := range c.Providers.Builtin() {
		if np.Config.APIKey != "" {
			return true
		}
	}
	return len(c.Providers.Custom) > 0 || len(c.Providers.CLI) > 0
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for WS/HTTP auth
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)

	// Inbound dedupe window for redelivered channel messages.
	DedupeTTLSec int `json:"dedupe_ttl_sec,omitempty"` // default 1200
	DedupeMax    int `json:"dedupe_max,omitempty"`     // default 5000
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	Storage string `json:"storage"`           // directory for the file store and transcripts
	DSN     string `json:"-"`                 // sqlite path or postgres DSN; env only
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// MQTTConfig configures the lifecycle event mirror.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Broker      string `json:"broker,omitempty"` // e.g. "mqtt://localhost:1883"
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix,omitempty"` // default "clawrelay"
}
