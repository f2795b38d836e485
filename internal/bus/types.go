package bus

import "context"

// InboundMessage represents a message received from a channel (webchat, Slack, Telegram, etc.)
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"` // platform message id, used for dedup
	ThreadID  string            `json:"thread_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"` // bot account on multi-account channels
	Media     []string          `json:"media,omitempty"`      // local image paths
	PeerKind  string            `json:"peer_kind,omitempty"`  // "direct" or "group" (used for session key)
	AgentID   string            `json:"agent_id,omitempty"`
	Heartbeat bool              `json:"heartbeat,omitempty"` // automated keep-alive turn
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	ThreadID  string            `json:"thread_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Media     []MediaAttachment `json:"media,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
	Kind      string            `json:"kind,omitempty"` // tool, block or final
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`
}

// AgentEvent is one entry on the lifecycle event bus.
type AgentEvent struct {
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"` // lifecycle, assistant, tool, compaction
	Timestamp  int64          `json:"ts"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// AgentEventHandler receives agent events.
type AgentEventHandler func(AgentEvent)

// EventPublisher abstracts emission and subscription of agent events.
// Used by the gateway server, the MQTT mirror and the agent runner.
type EventPublisher interface {
	Emit(evt AgentEvent)
	Subscribe(runID string, handler AgentEventHandler) (unsubscribe func())
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
