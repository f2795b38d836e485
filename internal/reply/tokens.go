package reply

import "strings"

const (
	// SilentReplyToken tells the pipeline to send nothing for this reply.
	SilentReplyToken = "NO_REPLY"
	// HeartbeatToken acknowledges an automated keep-alive turn.
	HeartbeatToken = "HEARTBEAT_OK"
)

// heartbeat tokens are often wrapped in markdown emphasis or code spans.
const tokenMarkup = "*_`~"

// IsSilentReply reports whether text is the silent-reply token, alone or
// followed by an explanation (e.g. "NO_REPLY - nothing to add").
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, SilentReplyToken) {
		return false
	}
	rest := trimmed[len(SilentReplyToken):]
	return rest == "" || !isWordChar(rune(rest[0]))
}

// StripHeartbeatToken removes the heartbeat token from the edges of text.
// It returns the remaining text and whether anything was stripped. A
// token in the middle of a sentence is left alone.
func StripHeartbeatToken(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if !strings.Contains(s, HeartbeatToken) {
		return text, false
	}

	stripped := false
	for {
		lead := strings.TrimLeft(s, tokenMarkup)
		if !strings.HasPrefix(lead, HeartbeatToken) {
			break
		}
		rest := lead[len(HeartbeatToken):]
		if rest != "" && isWordChar(rune(rest[0])) {
			break
		}
		s = strings.TrimSpace(strings.TrimLeft(rest, tokenMarkup))
		stripped = true
	}
	for {
		tail := strings.TrimRight(s, tokenMarkup)
		if !strings.HasSuffix(tail, HeartbeatToken) {
			break
		}
		before := tail[:len(tail)-len(HeartbeatToken)]
		if before != "" && isWordChar(rune(before[len(before)-1])) {
			break
		}
		s = strings.TrimSpace(strings.TrimRight(before, tokenMarkup))
		stripped = true
	}
	if !stripped {
		return text, false
	}
	return s, true
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
