package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/store/file"
	"github.com/nextlevelbuilder/clawrelay/internal/store/sqlstore"
)

// sessionStores bundles the session map and transcript stores with their cleanup.
type sessionStores struct {
	store.Stores
	close func() error
}

func (s *sessionStores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openSessionStores opens the configured backend. Transcripts always live
// on disk under <storage>/transcripts.
func openSessionStores(ctx context.Context, cfg config.SessionsConfig) (*sessionStores, error) {
	dir := config.ExpandHome(cfg.Storage)
	transcripts, err := sessions.NewTranscripts(filepath.Join(dir, "transcripts"))
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "", "file":
		mgr, err := sessions.NewManager(dir)
		if err != nil {
			return nil, err
		}
		slog.Info("session store: file", "dir", dir)
		return &sessionStores{Stores: store.Stores{Sessions: file.NewFileSessionStore(mgr), Transcripts: transcripts}}, nil

	case sqlstore.DialectSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(dir, "sessions.db")
		}
		ss, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, dsn)
		if err != nil {
			return nil, err
		}
		slog.Info("session store: sqlite", "path", dsn)
		return &sessionStores{Stores: store.Stores{Sessions: ss, Transcripts: transcripts}, close: ss.Close}, nil

	case sqlstore.DialectPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sessions backend postgres requires CLAWRELAY_SESSIONS_DSN")
		}
		ss, err := sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("session store: postgres")
		return &sessionStores{Stores: store.Stores{Sessions: ss, Transcripts: transcripts}, close: ss.Close}, nil

	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Backend)
	}
}
