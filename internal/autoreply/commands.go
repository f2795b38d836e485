package autoreply

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

type command string

const (
	cmdStop  command = "/stop"
	cmdReset command = "/reset"
	cmdNew   command = "/new"
)

const (
	msgStopped     = "⏹️ Stopped."
	msgNothingRun  = "Nothing is running."
	msgReset       = "🔄 Started a new session."
	msgResetFailed = "⚠️ Could not reset the session. Check gateway logs for details."
)

func parseCommand(content string) (command, bool) {
	switch c := command(normalizeCommand(content)); c {
	case cmdStop, cmdReset, cmdNew:
		return c, true
	}
	return "", false
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd command, msg bus.InboundMessage) {
	key := o.SessionKeyFor(msg)
	cleared := o.queue.Clear(key)
	aborted := o.active.Abort(key, ErrStopped)
	slog.Info("inbound: command", "command", cmd, "session", key, "aborted", aborted, "cleared", cleared)

	switch cmd {
	case cmdStop:
		if aborted || cleared > 0 {
			o.reply(ctx, msg, msgStopped)
		} else {
			o.reply(ctx, msg, msgNothingRun)
		}
	case cmdReset, cmdNew:
		if err := o.runner.ResetSession(ctx, key); err != nil {
			slog.Error("inbound: session reset failed", "session", key, "error", err)
			o.reply(ctx, msg, msgResetFailed)
			return
		}
		o.reply(ctx, msg, msgReset)
	}
}

func normalizeCommand(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	// "/stop@botname" as sent in group chats.
	if i := strings.IndexByte(s, '@'); i > 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}
