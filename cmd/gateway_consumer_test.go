package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

type recordingHandler struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg bus.InboundMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return true
}

func (h *recordingHandler) snapshot() []bus.InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.InboundMessage(nil), h.msgs...)
}

func TestConsumeInboundMessages(t *testing.T) {
	msgBus := bus.New()
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumeInboundMessages(ctx, msgBus, h)
		close(done)
	}()

	msgBus.PublishInbound(bus.InboundMessage{Channel: "system", ChatID: "x", Content: "internal"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: ""})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "hello"})

	deadline := time.Now().Add(2 * time.Second)
	for len(h.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := h.snapshot()
	if len(got) != 1 {
		t.Fatalf("handled %d messages, want 1: %+v", len(got), got)
	}
	if got[0].Content != "hello" || got[0].Channel != "webchat" {
		t.Errorf("handled = %+v", got[0])
	}
}
