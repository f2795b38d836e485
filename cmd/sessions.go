package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/agent"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
)

const sessionKeyWidth = 48

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset conversation sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <key>",
		Short: "Start a fresh session for a session key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsReset(cmd.Context(), args[0])
		},
	})
	return cmd
}

func openStoresFromConfig(ctx context.Context) (*sessionStores, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openSessionStores(ctx, cfg.Sessions)
}

func runSessionsList(ctx context.Context) error {
	stores, err := openStoresFromConfig(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	entries, err := stores.Sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	list := gateway.SortedSessions(entries)
	if len(list) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	fmt.Printf("%s  %-20s  %-10s  %s\n", runewidth.FillRight("KEY", sessionKeyWidth), "MODEL", "TOKENS", "UPDATED")
	for _, s := range list {
		key := runewidth.FillRight(runewidth.Truncate(s.Key, sessionKeyWidth, "…"), sessionKeyWidth)
		updated := "-"
		if s.UpdatedAt > 0 {
			updated = time.UnixMilli(s.UpdatedAt).Format(time.DateTime)
		}
		model := s.Model
		if s.Provider != "" && model != "" {
			model = s.Provider + "/" + model
		}
		fmt.Printf("%s  %-20s  %-10d  %s\n", key, model, s.TotalTokens, updated)
	}
	return nil
}

func runSessionsReset(ctx context.Context, key string) error {
	stores, err := openStoresFromConfig(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	entry, err := stores.Sessions.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if entry == nil {
		fmt.Fprintf(os.Stderr, "session %q not found\n", key)
		return fmt.Errorf("session not found")
	}

	runner := agent.NewRunner(agent.RunnerConfig{
		Sessions:    stores.Sessions,
		Transcripts: stores.Transcripts,
	})
	if err := runner.ResetSession(ctx, key); err != nil {
		return err
	}
	fmt.Printf("Session %s reset (previous session id %s).\n", key, entry.SessionID)
	return nil
}
