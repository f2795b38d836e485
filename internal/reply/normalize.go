package reply

import "strings"

// NormalizeOptions configures the per-turn payload filters.
type NormalizeOptions struct {
	ResponsePrefix   string
	Heartbeat        bool   // the turn itself was triggered by a heartbeat
	OnHeartbeatStrip func() // observed when a heartbeat token is removed
}

// Normalize applies the reply filters in order: renderability, silent
// reply, heartbeat strip and response prefix. It returns false when the
// payload must not be delivered.
func Normalize(p Payload, opts NormalizeOptions) (Payload, bool) {
	if !p.Renderable() {
		return p, false
	}

	if IsSilentReply(p.Text) {
		if !p.HasMedia() {
			return p, false
		}
		p.Text = ""
	}

	if !opts.Heartbeat && strings.Contains(p.Text, HeartbeatToken) {
		if text, ok := StripHeartbeatToken(p.Text); ok {
			if opts.OnHeartbeatStrip != nil {
				opts.OnHeartbeatStrip()
			}
			p.Text = text
			if !p.Renderable() {
				return p, false
			}
		}
	}

	if prefix := opts.ResponsePrefix; prefix != "" && strings.TrimSpace(p.Text) != "" && !strings.HasPrefix(p.Text, prefix) {
		p.Text = prefix + " " + p.Text
	}
	return p, true
}
