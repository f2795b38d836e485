package queue

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	collectHeader   = "[Queued messages while agent was busy]"
	previewMaxWidth = 160
)

// buildCollectPrompt concatenates queued prompts under a single header.
func buildCollectPrompt(batch []Turn) string {
	var sb strings.Builder
	sb.WriteString(collectHeader)
	for i, t := range batch {
		fmt.Fprintf(&sb, "\nQueued #%d\n%s", i+1, t.Prompt)
	}
	return sb.String()
}

// buildOverflowNotice renders the summary of turns dropped due to cap.
func buildOverflowNotice(dropped int, previews []string) string {
	if dropped <= 0 {
		return ""
	}
	noun := "messages"
	if dropped == 1 {
		noun = "message"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Queue overflow] Dropped %d %s due to cap.", dropped, noun)
	for _, p := range previews {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	return sb.String()
}

// previewLine collapses a prompt to one line that fits previewMaxWidth cells.
func previewLine(prompt string) string {
	line := strings.Join(strings.Fields(prompt), " ")
	if line == "" {
		return "(empty)"
	}
	return runewidth.Truncate(line, previewMaxWidth, "…")
}
