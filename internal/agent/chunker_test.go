package agent

import (
	"strings"
	"testing"
)

func TestBlockChunkerParagraphBreaks(t *testing.T) {
	c := newBlockChunker(10, 100)
	para1 := "First paragraph here."
	para2 := "Second paragraph."

	if got := c.Push(para1); len(got) != 0 {
		t.Fatalf("no paragraph break yet, got %v", got)
	}
	got := c.Push("\n\n" + para2)
	if len(got) != 1 || got[0] != para1 {
		t.Fatalf("got %v, want [%q]", got, para1)
	}
	if rest := c.Flush(); rest != para2 {
		t.Errorf("Flush = %q, want %q", rest, para2)
	}
	if rest := c.Flush(); rest != "" {
		t.Errorf("second Flush = %q", rest)
	}
}

func TestBlockChunkerForcesBreakAtMax(t *testing.T) {
	c := newBlockChunker(10, 40)
	text := strings.Repeat("word ", 20) // 100 chars, no paragraph breaks
	blocks := c.Push(text)
	if len(blocks) == 0 {
		t.Fatal("expected forced blocks")
	}
	for _, b := range blocks {
		if len(b) > 40 {
			t.Errorf("block longer than max: %d %q", len(b), b)
		}
		if strings.HasSuffix(b, "wor") {
			t.Errorf("block split mid-word: %q", b)
		}
	}
	joined := strings.Join(append(blocks, c.Flush()), " ")
	if strings.Count(joined, "word") != 20 {
		t.Errorf("lost text: %q", joined)
	}
}

func TestBlockChunkerHardCutIsRuneSafe(t *testing.T) {
	c := newBlockChunker(4, 8)
	blocks := c.Push(strings.Repeat("é", 10)) // 20 bytes, no separators
	for _, b := range blocks {
		if !strings.HasPrefix(b, "é") || strings.ContainsRune(b, '�') {
			t.Errorf("invalid block %q", b)
		}
	}
}
