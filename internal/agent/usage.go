package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// recordUsage folds a successful attempt into the session entry: token
// counters, compactions, the model that answered and the delivery route.
func (r *Runner) recordUsage(ctx context.Context, req *RunRequest, used Candidate, res *RunResult) {
	u := res.Meta.Usage
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}

	err := r.sessions.Update(ctx, func(entries map[string]*store.SessionEntry) error {
		e := entries[req.SessionKey]
		if e == nil {
			e = &store.SessionEntry{SessionID: uuid.NewString()}
			entries[req.SessionKey] = e
		}
		e.InputTokens += int64(u.PromptTokens)
		e.OutputTokens += int64(u.CompletionTokens)
		e.TotalTokens += int64(total)
		if u.PromptTokens > 0 {
			e.ContextTokens = u.PromptTokens
		}
		e.CompactionCount += res.Meta.Compactions
		e.Provider = used.Provider
		e.Model = res.Meta.Model
		if res.Meta.CLISessionID != "" {
			e.CLISessionID = res.Meta.CLISessionID
		}
		if req.Channel != "" {
			e.LastChannel = req.Channel
			e.LastTo = req.To
			e.LastAccountID = req.AccountID
			e.LastThreadID = req.ThreadID
		}
		e.UpdatedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		slog.Warn("agent: usage update failed", "session", req.SessionKey, "error", err)
		return
	}
	slog.Debug("agent: usage recorded",
		"session", req.SessionKey, "provider", used.Provider, "model", res.Meta.Model,
		"prompt_tokens", u.PromptTokens, "completion_tokens", u.CompletionTokens,
		"compactions", res.Meta.Compactions)
}
