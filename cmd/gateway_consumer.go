package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
)

// inboundHandler is the orchestrator surface the consumer needs.
type inboundHandler interface {
	HandleInbound(ctx context.Context, msg bus.InboundMessage) bool
}

// consumeInboundMessages reads inbound messages from channels and hands
// them to the orchestrator until ctx is cancelled. Internal channels never
// produce agent turns.
func consumeInboundMessages(ctx context.Context, msgBus bus.MessageRouter, h inboundHandler) {
	slog.Info("inbound message consumer started")
	defer slog.Info("inbound message consumer stopped")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if channels.IsInternalChannel(msg.Channel) {
			slog.Debug("inbound: skipping internal channel", "channel", msg.Channel)
			continue
		}
		if msg.Content == "" && len(msg.Media) == 0 {
			slog.Debug("inbound: empty message", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}
		h.HandleInbound(ctx, msg)
	}
}
