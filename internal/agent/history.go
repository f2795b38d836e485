package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// limitHistoryTurns keeps the last limit user turns, where a turn is a user
// message plus everything up to the next one. It reports whether anything
// was dropped.
func limitHistoryTurns(msgs []providers.Message, limit int) ([]providers.Message, bool) {
	if limit <= 0 || len(msgs) == 0 {
		return msgs, false
	}
	users := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		users++
		if users == limit {
			if i == 0 {
				return msgs, false
			}
			return append([]providers.Message(nil), msgs[i:]...), true
		}
	}
	return msgs, false
}

// sanitizeHistory repairs tool call pairing in a loaded transcript: tool
// results without a matching assistant call are dropped and calls without
// a result get a placeholder, so providers accept the history.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]providers.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			open := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				open[tc.ID] = true
			}
			out = append(out, msg)
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				if open[msgs[i].ToolCallID] {
					out = append(out, msgs[i])
					delete(open, msgs[i].ToolCallID)
				} else {
					slog.Warn("agent: dropping mismatched tool result", "tool_call_id", msgs[i].ToolCallID)
				}
			}
			for _, tc := range msg.ToolCalls {
				if open[tc.ID] {
					out = append(out, providers.Message{Role: "tool", Content: "[tool result missing]", ToolCallID: tc.ID})
				}
			}
		case msg.Role == "tool":
			slog.Warn("agent: dropping orphaned tool result", "tool_call_id", msg.ToolCallID)
		default:
			out = append(out, msg)
		}
	}
	return out
}
