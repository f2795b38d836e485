// Package reply turns agent output into ordered channel deliveries: the
// payload model, text filters, pacing, the per-turn Dispatcher and the
// messaging-tool dedup filter.
package reply

import "strings"

// Kind tags which producer submitted a payload.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// Payload is one outbound reply.
type Payload struct {
	Text           string   `json:"text,omitempty"`
	MediaURL       string   `json:"mediaUrl,omitempty"`
	MediaURLs      []string `json:"mediaUrls,omitempty"`
	IsError        bool     `json:"isError,omitempty"`
	ReplyToID      string   `json:"replyToId,omitempty"`
	ReplyToCurrent bool     `json:"replyToCurrent,omitempty"`
}

// Media returns every media URL on the payload without duplicates.
func (p Payload) Media() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(p.MediaURL)
	for _, u := range p.MediaURLs {
		add(u)
	}
	return out
}

// HasMedia reports whether at least one media URL is attached.
func (p Payload) HasMedia() bool {
	return len(p.Media()) > 0
}

// Renderable reports whether the payload has non-blank text or media.
// Non-renderable payloads never reach delivery.
func (p Payload) Renderable() bool {
	return strings.TrimSpace(p.Text) != "" || p.HasMedia()
}
