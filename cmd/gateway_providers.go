package cmd

import (
	"log/slog"
	"sort"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

func registerProviders(registry *providers.Registry, cfg *config.Config) {
	for _, np := range cfg.Providers.Builtin() {
		if np.Config.APIKey == "" {
			continue
		}
		base := np.Config.APIBase
		if base == "" {
			base = np.Base
		}
		registry.Register(providers.NewOpenAIProvider(np.Name, np.Config.APIKey, base, np.Config.DefaultModel))
		slog.Info("registered provider", "name", np.Name)
	}

	// Custom OpenAI-compatible endpoints (local servers often need no key).
	for _, name := range sortedKeys(cfg.Providers.Custom) {
		pc := cfg.Providers.Custom[name]
		if pc.APIBase == "" {
			slog.Warn("custom provider skipped: api_base is required", "name", name)
			continue
		}
		registry.Register(providers.NewOpenAIProvider(name, pc.APIKey, pc.APIBase, pc.DefaultModel))
		slog.Info("registered provider", "name", name, "base", pc.APIBase)
	}

	for _, name := range sortedKeys(cfg.Providers.CLI) {
		b := cfg.Providers.CLI[name]
		if b.Name == "" {
			b.Name = name
		}
		if b.Command == "" {
			slog.Warn("cli backend skipped: command is required", "name", name)
			continue
		}
		registry.RegisterCLI(&b)
		slog.Info("registered cli backend", "name", b.Name, "command", b.Command)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
