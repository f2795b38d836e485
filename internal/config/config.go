package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/queue"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Allows reports whether id is permitted. An empty list allows everyone.
func (f FlexibleStringSlice) Allows(id string) bool {
	if len(f) == 0 {
		return true
	}
	for _, v := range f {
		if v == id || v == "*" {
			return true
		}
	}
	return false
}

// DefaultAgentID is used when no agent is marked as default.
const DefaultAgentID = "default"

// Config is the root configuration for the ClawRelay gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Queue     QueueConfig     `json:"queue"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	MQTT      MQTTConfig      `json:"mqtt,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace         string   `json:"workspace"`
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	Fallbacks         []string `json:"fallbacks,omitempty"` // "provider/model" or "model"
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	MaxToolIterations int      `json:"max_tool_iterations"`
	HistoryTurns      int      `json:"history_turns,omitempty"` // user turns kept in a transcript (0 = unlimited)
	TimeoutSec        int      `json:"timeout_sec,omitempty"`

	ResponsePrefix string               `json:"responsePrefix,omitempty"`
	HumanDelay     HumanDelayConfig     `json:"humanDelay,omitempty"`
	BlockStreaming BlockStreamingConfig `json:"blockStreaming,omitempty"`
}

// AgentSpec overrides defaults for one agent.
type AgentSpec struct {
	Default        bool     `json:"default,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Fallbacks      []string `json:"fallbacks,omitempty"`
	Workspace      string   `json:"workspace,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	ResponsePrefix string   `json:"responsePrefix,omitempty"`
	TimeoutSec     int      `json:"timeout_sec,omitempty"`
}

// HumanDelayConfig paces block replies. Mode is "off", "natural" or "custom".
type HumanDelayConfig struct {
	Mode  string `json:"mode,omitempty"`
	MinMs int    `json:"minMs,omitempty"`
	MaxMs int    `json:"maxMs,omitempty"`
}

// BlockStreamingConfig controls delivery of partial answers as block replies.
type BlockStreamingConfig struct {
	Enabled  bool `json:"enabled,omitempty"`
	MinChars int  `json:"minChars,omitempty"`
	MaxChars int  `json:"maxChars,omitempty"`
}

// QueueConfig configures the per-conversation run queue.
type QueueConfig struct {
	Mode       string                   `json:"mode,omitempty"`       // interrupt, collect, followup
	DebounceMs *int                     `json:"debounceMs,omitempty"` // nil = default
	Cap        int                      `json:"cap,omitempty"`
	DropPolicy string                   `json:"dropPolicy,omitempty"` // summarize, drop
	DedupMode  string                   `json:"dedupMode,omitempty"`  // message-id, prompt
	ByChannel  map[string]QueueOverride `json:"byChannel,omitempty"`
}

// QueueOverride replaces queue settings for one channel.
type QueueOverride struct {
	Mode       string `json:"mode,omitempty"`
	DebounceMs *int   `json:"debounceMs,omitempty"`
	Cap        int    `json:"cap,omitempty"`
	DropPolicy string `json:"dropPolicy,omitempty"`
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if over, ok := c.Agents.List[agentID]; ok {
		if over.Provider != "" {
			d.Provider = over.Provider
		}
		if over.Model != "" {
			d.Model = over.Model
		}
		if over.Fallbacks != nil {
			d.Fallbacks = over.Fallbacks
		}
		if over.Workspace != "" {
			d.Workspace = over.Workspace
		}
		if over.SystemPrompt != "" {
			d.SystemPrompt = over.SystemPrompt
		}
		if over.ResponsePrefix != "" {
			d.ResponsePrefix = over.ResponsePrefix
		}
		if over.TimeoutSec > 0 {
			d.TimeoutSec = over.TimeoutSec
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, over := range c.Agents.List {
		if over.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveQueue returns the queue settings and dedup mode for a channel.
func (c *Config) ResolveQueue(channel string) (queue.Settings, queue.DedupMode) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q := c.Queue
	s := queue.DefaultSettings()
	if q.Mode != "" {
		s.Mode = queue.Mode(strings.ToLower(q.Mode))
	}
	if q.DebounceMs != nil {
		s.Debounce = time.Duration(*q.DebounceMs) * time.Millisecond
	}
	if q.Cap > 0 {
		s.Cap = q.Cap
	}
	if q.DropPolicy != "" {
		s.DropPolicy = queue.DropPolicy(strings.ToLower(q.DropPolicy))
	}

	if o, ok := q.ByChannel[strings.ToLower(channel)]; ok {
		if o.Mode != "" {
			s.Mode = queue.Mode(strings.ToLower(o.Mode))
		}
		if o.DebounceMs != nil {
			s.Debounce = time.Duration(*o.DebounceMs) * time.Millisecond
		}
		if o.Cap > 0 {
			s.Cap = o.Cap
		}
		if o.DropPolicy != "" {
			s.DropPolicy = queue.DropPolicy(strings.ToLower(o.DropPolicy))
		}
	}

	dedup := queue.DedupMessageID
	if strings.EqualFold(q.DedupMode, string(queue.DedupPrompt)) {
		dedup = queue.DedupPrompt
	}
	return s, dedup
}

// ResolveHumanDelay converts the configured pacing to reply.HumanDelay.
func (d AgentDefaults) ResolveHumanDelay() reply.HumanDelay {
	return reply.HumanDelay{
		Mode: reply.HumanDelayMode(strings.ToLower(d.HumanDelay.Mode)),
		Min:  time.Duration(d.HumanDelay.MinMs) * time.Millisecond,
		Max:  time.Duration(d.HumanDelay.MaxMs) * time.Millisecond,
	}
}

// Timeout returns the per-run timeout, zero when unset.
func (d AgentDefaults) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

// ReplaceFrom copies every section of src into c under c's lock. Used by
// hot reload so holders of *Config observe the new values.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Queue = src.Queue
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Telemetry = src.Telemetry
	c.MQTT = src.MQTT
}
