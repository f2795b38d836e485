package reply

import "strings"

// SentTarget is a destination the agent messaged directly via a send tool.
type SentTarget struct {
	Tool      string `json:"tool"`
	Provider  string `json:"provider"`
	To        string `json:"to"`
	AccountID string `json:"accountId,omitempty"`
}

// MessagingSends records everything the agent sent itself during a turn.
type MessagingSends struct {
	Texts     []string
	MediaURLs []string
	Targets   []SentTarget
}

// Empty reports whether nothing was sent.
func (s MessagingSends) Empty() bool {
	return len(s.Texts) == 0 && len(s.MediaURLs) == 0 && len(s.Targets) == 0
}

// Origin is the destination a turn's default replies go to.
type Origin struct {
	Provider  string
	To        string
	AccountID string
}

// ApplyMessagingToolDedup removes replies the agent already delivered
// itself. When any send targeted the turn's own origin the whole set is
// suppressed; otherwise duplicate texts and media are filtered out.
func ApplyMessagingToolDedup(payloads []Payload, sends MessagingSends, origin Origin) []Payload {
	if sends.Empty() || len(payloads) == 0 {
		return payloads
	}
	if ShouldSuppressMessagingToolReplies(origin, sends.Targets) {
		return nil
	}
	payloads = FilterMessagingToolDuplicates(payloads, sends.Texts)
	return FilterMessagingToolMedia(payloads, sends.MediaURLs)
}

// FilterMessagingToolDuplicates drops payloads whose text matches a sent text.
func FilterMessagingToolDuplicates(payloads []Payload, sentTexts []string) []Payload {
	if len(sentTexts) == 0 {
		return payloads
	}
	sent := make(map[string]bool, len(sentTexts))
	for _, t := range sentTexts {
		if t = strings.TrimSpace(t); t != "" {
			sent[t] = true
		}
	}
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		if text := strings.TrimSpace(p.Text); text != "" && sent[text] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FilterMessagingToolMedia strips already-sent media URLs. A payload left
// with neither text nor media is dropped.
func FilterMessagingToolMedia(payloads []Payload, sentMedia []string) []Payload {
	if len(sentMedia) == 0 {
		return payloads
	}
	sent := make(map[string]bool, len(sentMedia))
	for _, u := range sentMedia {
		if u = strings.TrimSpace(u); u != "" {
			sent[u] = true
		}
	}
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		if sent[strings.TrimSpace(p.MediaURL)] {
			p.MediaURL = ""
		}
		if len(p.MediaURLs) > 0 {
			kept := make([]string, 0, len(p.MediaURLs))
			for _, u := range p.MediaURLs {
				if !sent[strings.TrimSpace(u)] {
					kept = append(kept, u)
				}
			}
			p.MediaURLs = kept
		}
		if !p.Renderable() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ShouldSuppressMessagingToolReplies reports whether any sent target is
// the turn's own origin. Account ids must match; an absent account id is
// only a wildcard when both sides omit it.
func ShouldSuppressMessagingToolReplies(origin Origin, targets []SentTarget) bool {
	provider := normalizeProvider(origin.Provider)
	to := strings.TrimSpace(origin.To)
	if provider == "" || to == "" {
		return false
	}
	for _, t := range targets {
		tp := t.Provider
		if strings.TrimSpace(tp) == "" {
			tp = t.Tool
		}
		if normalizeProvider(tp) != provider || strings.TrimSpace(t.To) != to {
			continue
		}
		if strings.TrimSpace(t.AccountID) == strings.TrimSpace(origin.AccountID) {
			return true
		}
	}
	return false
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
