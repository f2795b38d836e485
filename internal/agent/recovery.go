package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// Store writes made during recovery outlive an aborted turn but are bounded.
const recoveryStoreTimeout = 5 * time.Second

func recoveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recoveryStoreTimeout)
}

// ensureSession returns the entry for key, creating a session id if needed.
func (r *Runner) ensureSession(ctx context.Context, key string) *store.SessionEntry {
	if e, err := r.sessions.Get(ctx, key); err == nil && e != nil && e.SessionID != "" {
		return e
	} else if err != nil {
		slog.Warn("agent: session lookup failed", "session", key, "error", err)
	}

	var out *store.SessionEntry
	err := r.sessions.Update(ctx, func(entries map[string]*store.SessionEntry) error {
		e := entries[key]
		if e == nil {
			e = &store.SessionEntry{}
			entries[key] = e
		}
		if e.SessionID == "" {
			e.SessionID = uuid.NewString()
			e.UpdatedAt = time.Now().UnixMilli()
		}
		out = e.Clone()
		return nil
	})
	if err != nil {
		slog.Warn("agent: session create failed, using ephemeral session", "session", key, "error", err)
		return &store.SessionEntry{SessionID: uuid.NewString()}
	}
	return out
}

// resetSession gives key a fresh session id, keeping its delivery route and
// model selection. Token and compaction counters start over.
func (r *Runner) resetSession(ctx context.Context, key, reason string) bool {
	uctx, cancel := recoveryContext(ctx)
	defer cancel()

	var oldID string
	err := r.sessions.Update(uctx, func(entries map[string]*store.SessionEntry) error {
		next := &store.SessionEntry{SessionID: uuid.NewString(), UpdatedAt: time.Now().UnixMilli()}
		if prev := entries[key]; prev != nil {
			oldID = prev.SessionID
			next.Model = prev.Model
			next.Provider = prev.Provider
			next.LastChannel = prev.LastChannel
			next.LastTo = prev.LastTo
			next.LastAccountID = prev.LastAccountID
			next.LastThreadID = prev.LastThreadID
		}
		entries[key] = next
		return nil
	})
	if err != nil {
		slog.Error("agent: session reset failed", "session", key, "reason", reason, "error", err)
		return false
	}
	slog.Warn("agent: session reset", "session", key, "reason", reason, "previous_session_id", oldID)
	return true
}

// ResetSession gives key a fresh session on user request.
func (r *Runner) ResetSession(ctx context.Context, key string) error {
	if !r.resetSession(ctx, key, "user request") {
		return fmt.Errorf("reset session %s failed", key)
	}
	return nil
}

// resetCorruptedSession deletes the transcript of sessionID and removes the
// store entry for key. Failures are logged; nothing is returned.
func (r *Runner) resetCorruptedSession(ctx context.Context, key, sessionID string, cause error) {
	uctx, cancel := recoveryContext(ctx)
	defer cancel()

	if sessionID != "" && r.transcripts != nil {
		if err := r.transcripts.Delete(uctx, sessionID); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("agent: delete corrupted transcript failed", "session", key, "session_id", sessionID, "error", err)
		}
	}
	if err := r.sessions.Update(uctx, func(entries map[string]*store.SessionEntry) error {
		delete(entries, key)
		return nil
	}); err != nil {
		slog.Error("agent: remove corrupted session entry failed", "session", key, "error", err)
	}
	slog.Warn("agent: corrupted session removed", "session", key, "session_id", sessionID, "cause", SanitizeErrorText(cause.Error()))
}
