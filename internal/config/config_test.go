package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/queue"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("port = %d, want 18790", cfg.Gateway.Port)
	}
	s, dedup := cfg.ResolveQueue("webchat")
	if s != queue.DefaultSettings() {
		t.Errorf("queue settings = %+v, want defaults", s)
	}
	if dedup != queue.DedupMessageID {
		t.Errorf("dedup = %q", dedup)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		agents: {
			defaults: { provider: "groq", model: "llama", humanDelay: { mode: "custom", minMs: 10, maxMs: 20 } },
			list: { ops: { model: "big", default: true, responsePrefix: "[ops]" } },
		},
		queue: {
			mode: "followup", debounceMs: 0, cap: 5, dedupMode: "prompt",
			byChannel: { slack: { mode: "interrupt", dropPolicy: "drop" } },
		},
		channels: { webchat: { enabled: true, allow_from: [123, "alice"] } },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.ResolveDefaultAgentID(); got != "ops" {
		t.Errorf("default agent = %q, want ops", got)
	}
	ag := cfg.ResolveAgent("ops")
	if ag.Provider != "groq" || ag.Model != "big" || ag.ResponsePrefix != "[ops]" {
		t.Errorf("resolved agent = %+v", ag)
	}
	hd := ag.ResolveHumanDelay()
	if hd.Mode != reply.HumanDelayCustom || hd.Min != 10*time.Millisecond || hd.Max != 20*time.Millisecond {
		t.Errorf("human delay = %+v", hd)
	}

	s, dedup := cfg.ResolveQueue("webchat")
	if s.Mode != queue.ModeFollowup || s.Debounce != 0 || s.Cap != 5 || s.DropPolicy != queue.DropSummarize {
		t.Errorf("webchat queue = %+v", s)
	}
	if dedup != queue.DedupPrompt {
		t.Errorf("dedup = %q, want prompt", dedup)
	}
	s, _ = cfg.ResolveQueue("Slack")
	if s.Mode != queue.ModeInterrupt || s.DropPolicy != queue.DropDrop || s.Cap != 5 {
		t.Errorf("slack queue = %+v", s)
	}

	if !cfg.Channels.WebChat.AllowFrom.Allows("123") || cfg.Channels.WebChat.AllowFrom.Allows("bob") {
		t.Errorf("allow_from = %v", cfg.Channels.WebChat.AllowFrom)
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, `{ agents: `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWRELAY_PORT", "9999")
	t.Setenv("CLAWRELAY_MODEL", "env-model")
	t.Setenv("CLAWRELAY_SESSIONS_DSN", "postgres://x")
	t.Setenv("CLAWRELAY_QUEUE_DEBOUNCE_MS", "250")

	path := writeConfig(t, `{ gateway: { port: 1234 }, agents: { defaults: { model: "file-model" } } }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want env value", cfg.Gateway.Port)
	}
	if cfg.Agents.Defaults.Model != "env-model" {
		t.Errorf("model = %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Sessions.DSN != "postgres://x" {
		t.Errorf("dsn = %q", cfg.Sessions.DSN)
	}
	s, _ := cfg.ResolveQueue("any")
	if s.Debounce != 250*time.Millisecond {
		t.Errorf("debounce = %v", s.Debounce)
	}
}

func TestSaveDoesNotPersistDSN(t *testing.T) {
	cfg := Default()
	cfg.Sessions.DSN = "secret-dsn"
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) == "" {
		t.Fatal("empty file")
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Sessions.DSN != "" {
		t.Errorf("dsn persisted: %q", reloaded.Sessions.DSN)
	}
	if reloaded.Hash() != cfg.Hash() {
		t.Errorf("hash changed across save/load")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.OpenAI.APIKey = "sk-live"
	cfg.Providers.Custom = map[string]ProviderConfig{"local": {APIKey: "k", APIBase: "http://x"}}
	cfg.Gateway.Token = "tok"

	cp := cfg.MaskedCopy()
	if cp.Providers.OpenAI.APIKey != secretMask || cp.Gateway.Token != secretMask {
		t.Errorf("secrets not masked: %+v", cp.Providers.OpenAI)
	}
	if cp.Providers.Custom["local"].APIKey != secretMask || cp.Providers.Custom["local"].APIBase != "http://x" {
		t.Errorf("custom = %+v", cp.Providers.Custom["local"])
	}
	if cfg.Providers.OpenAI.APIKey != "sk-live" {
		t.Error("original mutated")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct{ in, want string }{
		{"", ""},
		{"/abs", "/abs"},
		{"~", home},
		{"~/x", home + "/x"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 1 } }`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { got <- c.Gateway.Port })
	}()

	// Writes are spaced wider than the reload debounce so each one can fire;
	// the first lands after the watcher has registered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(3 * reloadDebounce)
	defer tick.Stop()
	for {
		select {
		case port := <-got:
			if port != 2 {
				t.Fatalf("reloaded port = %d, want 2", port)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{ gateway: { port: 2 } }`), 0600); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
