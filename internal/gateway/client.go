package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

const (
	clientSendBuffer = 256
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
	clientReadLimit  = 512 << 10
)

// Client is one /ws connection. It can subscribe to lifecycle events of
// individual runs or of every run.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	mu   sync.Mutex
	subs map[string]func() // runID -> unsubscribe

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, clientSendBuffer),
		subs:   make(map[string]func()),
		done:   make(chan struct{}),
	}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Run serves the connection until it closes or ctx is done.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(clientReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: client read error", "id", c.id, "error", err)
			}
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest {
			c.sendFrame(protocol.ResponseFrame{Type: protocol.FrameTypeResponse, Error: "invalid request frame"})
			continue
		}
		c.sendFrame(c.handleRequest(ctx, req))
	}
}

func (c *Client) handleRequest(ctx context.Context, req protocol.RequestFrame) protocol.ResponseFrame {
	res := protocol.ResponseFrame{Type: protocol.FrameTypeResponse, ID: req.ID, OK: true}
	runID, _ := req.Params["runId"].(string)

	switch req.Method {
	case protocol.MethodAgentSubscribe:
		c.subscribe(runID)
		res.Payload = map[string]any{"runId": runID}
	case protocol.MethodAgentUnsubscribe:
		c.unsubscribe(runID)
		res.Payload = map[string]any{"runId": runID}
	case protocol.MethodHealth:
		res.Payload = c.server.health()
	case protocol.MethodSessionsList:
		list, err := c.server.listSessions(ctx)
		if err != nil {
			res.OK = false
			res.Error = "failed to load sessions"
			slog.Error("gateway: sessions.list failed", "error", err)
			break
		}
		res.Payload = map[string]any{"sessions": list}
	default:
		res.OK = false
		res.Error = "unknown method: " + req.Method
	}
	return res
}

// subscribe forwards lifecycle events of runID (bus.AllRuns for every run).
func (c *Client) subscribe(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[runID]; ok {
		return
	}
	c.subs[runID] = c.server.eventPub.Subscribe(runID, func(evt bus.AgentEvent) {
		c.SendEvent(protocol.EventFrame{
			Type:    protocol.FrameTypeEvent,
			Event:   protocol.EventAgent,
			Payload: evt,
			Seq:     evt.Seq,
		})
	})
}

func (c *Client) unsubscribe(runID string) {
	c.mu.Lock()
	unsub, ok := c.subs[runID]
	delete(c.subs, runID)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

// SendEvent queues an event frame. Frames are dropped when the client is
// too slow to keep up.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.sendFrame(event)
}

func (c *Client) sendFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal frame failed", "id", c.id, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("gateway: client send buffer full, dropping frame", "id", c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close drops every subscription and closes the connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]func())
		c.mu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}
