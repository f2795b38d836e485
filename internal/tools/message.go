package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
)

// MessageToolName is the tool name the agent uses to send messages directly.
const MessageToolName = "message"

// Sender delivers an outbound message to a channel.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// SendRecorder collects what the agent sent itself during one turn.
type SendRecorder struct {
	mu    sync.Mutex
	sends reply.MessagingSends
}

// Record notes one successful send.
func (r *SendRecorder) Record(text, mediaURL string, target reply.SentTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(text) != "" {
		r.sends.Texts = append(r.sends.Texts, text)
	}
	if mediaURL != "" {
		r.sends.MediaURLs = append(r.sends.MediaURLs, mediaURL)
	}
	r.sends.Targets = append(r.sends.Targets, target)
}

// Sends returns a copy of everything recorded.
func (r *SendRecorder) Sends() reply.MessagingSends {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reply.MessagingSends{
		Texts:     append([]string(nil), r.sends.Texts...),
		MediaURLs: append([]string(nil), r.sends.MediaURLs...),
		Targets:   append([]reply.SentTarget(nil), r.sends.Targets...),
	}
}

// MessageTool sends a message to the current chat or another destination.
type MessageTool struct {
	sender Sender
}

func NewMessageTool(sender Sender) *MessageTool { return &MessageTool{sender: sender} }

func (t *MessageTool) Name() string { return MessageToolName }
func (t *MessageTool) Description() string {
	return "Send a message now. Defaults to the current conversation; set channel/to to message another chat. " +
		"If you use this to answer the current chat, reply with NO_REPLY afterwards."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":       map[string]any{"type": "string", "description": "Message text"},
			"media_url":  map[string]any{"type": "string", "description": "Optional media URL or file path"},
			"channel":    map[string]any{"type": "string", "description": "Target channel (default: current)"},
			"to":         map[string]any{"type": "string", "description": "Target chat id (default: current)"},
			"account_id": map[string]any{"type": "string", "description": "Bot account on multi-account channels"},
		},
		"required": []string{"text"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.sender == nil {
		return ErrorResult("message sending is not available")
	}
	text, _ := args["text"].(string)
	mediaURL, _ := args["media_url"].(string)
	if strings.TrimSpace(text) == "" && mediaURL == "" {
		return ErrorResult("text or media_url is required")
	}

	route := RouteFromCtx(ctx)
	channel := stringArg(args, "channel", route.Channel)
	to := stringArg(args, "to", route.ChatID)
	accountID := stringArg(args, "account_id", route.AccountID)
	if channel == "" || to == "" {
		return ErrorResult("no target: channel and to are required outside a conversation")
	}

	msg := bus.OutboundMessage{Channel: channel, ChatID: to, Content: text, AccountID: accountID}
	if channel == route.Channel && to == route.ChatID {
		msg.ThreadID = route.ThreadID
	}
	if mediaURL != "" {
		msg.Media = []bus.MediaAttachment{{URL: mediaURL}}
	}
	if err := t.sender.Send(ctx, msg); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}

	if rec := SendRecorderFromCtx(ctx); rec != nil {
		rec.Record(text, mediaURL, reply.SentTarget{
			Tool:      MessageToolName,
			Provider:  channel,
			To:        to,
			AccountID: accountID,
		})
	}
	return SilentResult(fmt.Sprintf(`{"status":"sent","channel":%q,"to":%q}`, channel, to))
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
