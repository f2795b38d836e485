package agent

import (
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans model output before it is stored or
// shown: reasoning tags, <final> wrappers, tool call text some models
// print instead of calling, echoed system blocks and repeated paragraphs.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return ""
	}
	content = stripThinkingTags(content)
	content = finalTagPattern.ReplaceAllString(content, "")
	content = stripMarkedBlocks(content, toolTextMarkers)
	content = stripMarkedBlocks(content, []string{"[System Message]"})
	content = collapseDuplicateParagraphs(content)
	content = leadingBlankLines.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

var (
	thinkingTagPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<think>.*?</think>`),
		regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
		regexp.MustCompile(`(?is)<thought>.*?</thought>`),
		regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
	}
	finalTagPattern   = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

	toolTextMarkers = []string{"[Tool Call:", "[Tool Result", "[Historical context:"}
)

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") && !strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return content
}

// stripMarkedBlocks drops lines starting with a marker and the block that
// follows, up to the next blank line.
func stripMarkedBlocks(content string, markers []string) string {
	found := false
	for _, m := range markers {
		if strings.Contains(content, m) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasAnyPrefix(trimmed, markers) {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func collapseDuplicateParagraphs(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	out := blocks[:0:0]
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == t {
			continue
		}
		out = append(out, b)
	}
	return strings.Join(out, "\n\n")
}
