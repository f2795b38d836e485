package agent

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultBlockMinChars = 200
	defaultBlockMaxChars = 1200
)

// blockChunker cuts streamed text into block replies. It prefers paragraph
// breaks once minChars have accumulated and forces a break at maxChars,
// falling back to line, sentence and word boundaries.
type blockChunker struct {
	minChars int
	maxChars int
	buf      string
}

func newBlockChunker(minChars, maxChars int) *blockChunker {
	if minChars <= 0 {
		minChars = defaultBlockMinChars
	}
	if maxChars <= 0 {
		maxChars = defaultBlockMaxChars
	}
	if maxChars < minChars {
		maxChars = minChars
	}
	return &blockChunker{minChars: minChars, maxChars: maxChars}
}

// Push appends a delta and returns every block that is ready.
func (c *blockChunker) Push(delta string) []string {
	c.buf += delta
	var out []string
	for {
		cut := c.breakPoint()
		if cut <= 0 {
			return out
		}
		if block := strings.TrimSpace(c.buf[:cut]); block != "" {
			out = append(out, block)
		}
		c.buf = strings.TrimLeft(c.buf[cut:], " \n")
	}
}

// Flush returns whatever is buffered and resets the chunker.
func (c *blockChunker) Flush() string {
	rest := strings.TrimSpace(c.buf)
	c.buf = ""
	return rest
}

func (c *blockChunker) breakPoint() int {
	n := len(c.buf)
	if n < c.minChars {
		return 0
	}
	window := c.buf
	if n > c.maxChars {
		window = c.buf[:c.maxChars]
	}
	if i := strings.LastIndex(window, "\n\n"); i >= c.minChars {
		return i + 2
	}
	if n < c.maxChars {
		return 0
	}
	for _, sep := range []string{"\n", ". ", "! ", "? ", " "} {
		if i := strings.LastIndex(window, sep); i >= c.minChars/2 {
			return i + len(sep)
		}
	}
	cut := c.maxChars
	if cut >= n {
		return n
	}
	for cut > 0 && !utf8.RuneStart(c.buf[cut]) {
		cut--
	}
	return cut
}
