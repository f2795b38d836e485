package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.clawrelay/workspace",
				Provider:          "openai",
				Model:             "gpt-4o-mini",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 20,
				TimeoutSec:        600,
				HumanDelay:        HumanDelayConfig{Mode: "off"},
			},
		},
		Channels: ChannelsConfig{
			WebChat:   WebChatConfig{Enabled: true, Path: "/chat"},
			SendRate:  1,
			SendBurst: 3,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18790,
			DedupeTTLSec: 1200,
			DedupeMax:    5000,
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Storage: "~/.clawrelay/sessions",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "clawrelay",
		},
		MQTT: MQTTConfig{
			ClientID:    "clawrelay",
			TopicPrefix: "clawrelay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
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

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CLAWRELAY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CLAWRELAY_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("CLAWRELAY_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("CLAWRELAY_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("CLAWRELAY_GATEWAY_TOKEN", &c.Gateway.Token)

	// Allow overriding default provider/model
	envStr("CLAWRELAY_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CLAWRELAY_MODEL", &c.Agents.Defaults.Model)

	// Workspace & sessions
	envStr("CLAWRELAY_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("CLAWRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CLAWRELAY_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("CLAWRELAY_SESSIONS_DSN", &c.Sessions.DSN)

	// Queue
	envStr("CLAWRELAY_QUEUE_MODE", &c.Queue.Mode)
	if v := os.Getenv("CLAWRELAY_QUEUE_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Queue.DebounceMs = &ms
		}
	}

	// Gateway host/port
	envStr("CLAWRELAY_HOST", &c.Gateway.Host)
	envInt("CLAWRELAY_PORT", &c.Gateway.Port)

	// Telemetry
	envStr("CLAWRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CLAWRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CLAWRELAY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// MQTT mirror
	envStr("CLAWRELAY_MQTT_BROKER", &c.MQTT.Broker)
	envStr("CLAWRELAY_MQTT_USERNAME", &c.MQTT.Username)
	envStr("CLAWRELAY_MQTT_PASSWORD", &c.MQTT.Password)
	if c.MQTT.Broker != "" && os.Getenv("CLAWRELAY_MQTT_BROKER") != "" {
		c.MQTT.Enabled = true
	}

	// Allowed origins from env (comma-separated)
	if v := os.Getenv("CLAWRELAY_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file. Env-only secrets are not persisted.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the HTTP API to avoid exposing secrets.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	for name, pc := range cp.Providers.Custom {
		maskNonEmpty(&pc.APIKey)
		cp.Providers.Custom[name] = pc
	}
	maskNonEmpty(&cp.Gateway.Token)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
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

// DefaultPath returns ~/.clawrelay/config.json, or CLAWRELAY_CONFIG when set.
func DefaultPath() string {
	if v := os.Getenv("CLAWRELAY_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.clawrelay/config.json")
}
