// Package webchat is a browser chat channel over WebSocket. Every socket is
// one chat; inbound frames become bus messages and replies are written
// back to the socket of the addressed chat.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
)

// ChannelName is the bus channel name of webchat messages.
const ChannelName = "webchat"

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 << 10
	defaultPath   = "/chat"
	maxTextRunes  = 32000
	frameMessage  = "message"
	frameTyping   = "typing"
	frameHello    = "hello"
	frameError    = "error"
)

// ErrChatNotConnected is returned by Send when no socket serves the chat.
var ErrChatNotConnected = errors.New("webchat: chat not connected")

// inboundFrame is what browsers send.
type inboundFrame struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// outboundFrame is what the channel writes.
type outboundFrame struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chatId,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Text      string   `json:"text,omitempty"`
	Media     []string `json:"media,omitempty"`
	IsError   bool     `json:"isError,omitempty"`
	ReplyToID string   `json:"replyTo,omitempty"`
	Typing    *bool    `json:"typing,omitempty"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Channel serves browser chats.
type Channel struct {
	*channels.BaseChannel
	path     string
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a webchat channel. checkOrigin may be nil to allow all origins.
func New(cfg config.WebChatConfig, msgBus bus.MessageRouter, checkOrigin func(*http.Request) bool) *Channel {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, msgBus, cfg.AllowFrom),
		path:        path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[string]*conn),
	}
}

var _ channels.TypingChannel = (*Channel)(nil)

// Path returns the HTTP path the channel should be mounted on.
func (c *Channel) Path() string { return c.path }

// Start marks the channel running. The HTTP handler is mounted by the gateway.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("webchat: started", "path", c.path)
	return nil
}

// Stop closes every open chat socket.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cn := range c.conns {
		_ = cn.ws.Close()
		delete(c.conns, id)
	}
	return nil
}

// Send writes msg to the socket serving msg.ChatID.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	cn := c.lookup(msg.ChatID)
	if cn == nil {
		return fmt.Errorf("%w: %s", ErrChatNotConnected, msg.ChatID)
	}
	frame := outboundFrame{
		Type:      frameMessage,
		ChatID:    msg.ChatID,
		Kind:      msg.Kind,
		Text:      msg.Content,
		IsError:   msg.IsError,
		ReplyToID: msg.ReplyToID,
	}
	for _, m := range msg.Media {
		frame.Media = append(frame.Media, m.URL)
	}
	if err := cn.writeJSON(frame); err != nil {
		return fmt.Errorf("webchat send %s: %w", msg.ChatID, err)
	}
	return nil
}

// SendTyping writes a typing frame to the chat.
func (c *Channel) SendTyping(_ context.Context, chatID string, typing bool) error {
	cn := c.lookup(chatID)
	if cn == nil {
		return fmt.Errorf("%w: %s", ErrChatNotConnected, chatID)
	}
	return cn.writeJSON(outboundFrame{Type: frameTyping, ChatID: chatID, Typing: &typing})
}

// Connected returns the number of open chats.
func (c *Channel) Connected() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *Channel) lookup(chatID string) *conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[chatID]
}

// ServeHTTP upgrades the request and serves one chat until the socket
// closes. The chat id comes from the "chat" query parameter or is
// generated; the sender id from "user" and defaults to the chat id.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.IsRunning() {
		http.Error(w, "webchat not running", http.StatusServiceUnavailable)
		return
	}
	chatID := strings.TrimSpace(r.URL.Query().Get("chat"))
	if chatID == "" {
		chatID = uuid.NewString()
	}
	senderID := strings.TrimSpace(r.URL.Query().Get("user"))
	if senderID == "" {
		senderID = chatID
	}
	if !c.IsAllowed(senderID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("webchat: upgrade failed", "error", err)
		return
	}
	cn := &conn{ws: ws}

	c.mu.Lock()
	if prev := c.conns[chatID]; prev != nil {
		_ = prev.ws.Close()
	}
	c.conns[chatID] = cn
	c.mu.Unlock()
	slog.Info("webchat: chat connected", "chat_id", chatID)

	defer func() {
		c.mu.Lock()
		if c.conns[chatID] == cn {
			delete(c.conns, chatID)
		}
		c.mu.Unlock()
		_ = ws.Close()
		slog.Info("webchat: chat disconnected", "chat_id", chatID)
	}()

	if err := cn.writeJSON(outboundFrame{Type: frameHello, ChatID: chatID}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.pingLoop(ctx, cn)

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("webchat: read error", "chat_id", chatID, "error", err)
			}
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = cn.writeJSON(outboundFrame{Type: frameError, Text: "invalid frame"})
			continue
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			continue
		}
		if runes := []rune(text); len(runes) > maxTextRunes {
			text = string(runes[:maxTextRunes])
		}
		c.HandleMessage(bus.InboundMessage{
			SenderID:  senderID,
			ChatID:    chatID,
			Content:   text,
			MessageID: in.MessageID,
			PeerKind:  "direct",
		})
	}
}

func (c *Channel) pingLoop(ctx context.Context, cn *conn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cn.mu.Lock()
			err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			cn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
