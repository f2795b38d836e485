package cmd

import (
	"testing"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

func TestRegisterProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.Custom = map[string]config.ProviderConfig{
		"local":  {APIBase: "http://127.0.0.1:11434/v1"},
		"nobase":  {APIKey: "x"},
	}
	cfg.Providers.CLI = map[string]providers.CLIBackend{
		"claude-cli": {Command: "claude"},
		"broken":     {},
	}

	reg := providers.NewRegistry()
	registerProviders(reg, cfg)

	for _, name := range []string{"openai", "local"} {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("provider %q not registered: %v", name, err)
		}
	}
	for _, name := range []string{"groq", "nobase"} {
		if _, err := reg.Get(name); err == nil {
			t.Errorf("provider %q should not be registered", name)
		}
	}
	if !reg.IsCLI("claude-cli") {
		t.Error("claude-cli should be a CLI backend")
	}
	if reg.IsCLI("broken") {
		t.Error("backend without command should be skipped")
	}
}
