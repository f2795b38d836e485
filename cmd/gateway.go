package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawrelay/internal/agent"
	"github.com/nextlevelbuilder/clawrelay/internal/autoreply"
	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/mqtt"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/queue"
	"github.com/nextlevelbuilder/clawrelay/internal/tools"
	"github.com/nextlevelbuilder/clawrelay/internal/tracing"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		fmt.Println("No AI provider configured.")
		fmt.Println()
		fmt.Println("Set an API key, e.g.:  export CLAWRELAY_OPENAI_API_KEY=sk-...")
		fmt.Printf("or add a providers section to %s\n", cfgPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serveGateway(ctx, cfg, cfgPath); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func serveGateway(ctx context.Context, cfg *config.Config, cfgPath string) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	stores, err := openSessionStores(ctx, cfg.Sessions)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer stores.Close()

	msgBus := bus.New()
	events := bus.NewAgentEvents()

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg)

	channelMgr := channels.NewManager(msgBus, channels.NewSendLimiter(cfg.Channels.SendRate, cfg.Channels.SendBurst))

	// The message tool delivers through the same rate-limited channel manager.
	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewMessageTool(channelMgr))

	defaults := cfg.ResolveAgent(cfg.ResolveDefaultAgentID())
	runner := agent.NewRunner(agent.RunnerConfig{
		Providers: providerRegistry,
		Embedded: agent.NewEmbedded(agent.EmbeddedConfig{
			Providers:      providerRegistry,
			Tools:          toolsReg,
			Transcripts:    stores.Transcripts,
			SystemPrompt:   defaults.SystemPrompt,
			MaxIterations:  defaults.MaxToolIterations,
			HistoryTurns:   defaults.HistoryTurns,
			MaxTokens:      defaults.MaxTokens,
			Temperature:    defaults.Temperature,
			BlockStreaming: defaults.BlockStreaming.Enabled,
			BlockMinChars:  defaults.BlockStreaming.MinChars,
			BlockMaxChars:  defaults.BlockStreaming.MaxChars,
		}),
		CLI:         agent.NewCLIRunner(providerRegistry),
		Sessions:    stores.Sessions,
		Transcripts: stores.Transcripts,
		Events:      events,
	})

	server := gateway.NewServer(cfg, events, stores.Sessions, channelMgr)

	var chat *webchat.Channel
	if cfg.Channels.WebChat.Enabled {
		chat = webchat.New(cfg.Channels.WebChat, msgBus, server.CheckOrigin)
		channelMgr.RegisterChannel(webchat.ChannelName, chat)
		server.Handle(chat.Path(), chat)
		slog.Info("webchat channel enabled", "path", chat.Path())
	}

	runQueue := queue.New(queue.Options{})
	orch := autoreply.New(autoreply.Options{
		Config: cfg,
		Queue:  runQueue,
		Runner: runner,
		Sender: channelMgr,
		Dedupe: newInboundDedupe(cfg.Gateway),
		Events: events,
	})
	defer orch.Close()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		consumeInboundMessages(gctx, msgBus, orch)
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		mirror := mqtt.New(cfg.MQTT, events)
		g.Go(func() error {
			if err := mirror.Start(gctx); err != nil {
				slog.Warn("mqtt mirror stopped", "error", err)
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mirror.Stop(sctx)
		})
	}

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("graceful shutdown initiated")
		server.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
		return nil
	})

	slog.Info("clawrelay gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"providers", providerRegistry.Names(),
		"channels", channelMgr.GetEnabledChannels(),
		"sessions", cfg.Sessions.Backend,
	)

	return g.Wait()
}

func newInboundDedupe(gw config.GatewayConfig) *bus.DedupeCache {
	ttl := time.Duration(gw.DedupeTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	maxEntries := gw.DedupeMax
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return bus.NewDedupeCache(ttl, maxEntries)
}
