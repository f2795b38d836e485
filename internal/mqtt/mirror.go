// Package mqtt mirrors agent lifecycle events onto an MQTT broker so
// external dashboards can follow runs without holding a gateway socket.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
)

const (
	defaultPrefix  = "clawrelay"
	queueSize      = 512
	connectTimeout = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// publisher is the subset of autopaho.ConnectionManager the mirror uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Mirror forwards every AgentEvent to <prefix>/runs/<runId>/<stream>.
// Emission never blocks the agent loop: events go through a bounded
// buffer and are dropped when the broker falls behind.
type Mirror struct {
	cfg     config.MQTTConfig
	events  bus.EventPublisher
	queue   chan bus.AgentEvent
	cm      *autopaho.ConnectionManager
	pub     publisher
	dropped atomic.Int64
}

// New creates a Mirror. Call Start to connect.
func New(cfg config.MQTTConfig, events bus.EventPublisher) *Mirror {
	return &Mirror{
		cfg:    cfg,
		events: events,
		queue:  make(chan bus.AgentEvent, queueSize),
	}
}

// Start connects to the broker and forwards events until ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = defaultPrefix
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			slog.Info("mqtt: connected", "broker", m.cfg.Broker)
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt: connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm
	m.pub = cm

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		slog.Warn("mqtt: initial connection timed out", "error", err)
	}

	m.run(ctx)
	return nil
}

// Stop disconnects from the broker.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	return m.cm.Disconnect(ctx)
}

// Dropped reports how many events were discarded because the buffer was full.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

func (m *Mirror) run(ctx context.Context) {
	unsub := m.events.Subscribe(bus.AllRuns, m.enqueue)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-m.queue:
			m.publish(ctx, evt)
		}
	}
}

func (m *Mirror) enqueue(evt bus.AgentEvent) {
	select {
	case m.queue <- evt:
	default:
		if m.dropped.Add(1)%100 == 1 {
			slog.Warn("mqtt: event buffer full, dropping", "runId", evt.RunID, "dropped", m.dropped.Load())
		}
	}
}

func (m *Mirror) publish(ctx context.Context, evt bus.AgentEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Debug("mqtt: marshal event", "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := m.pub.Publish(pubCtx, &paho.Publish{
		Topic:   m.topic(evt),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		slog.Debug("mqtt: publish failed", "runId", evt.RunID, "error", err)
	}
}

func (m *Mirror) topic(evt bus.AgentEvent) string {
	prefix := strings.TrimSuffix(m.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	stream := evt.Stream
	if stream == "" {
		stream = "lifecycle"
	}
	return prefix + "/runs/" + topicSegment(evt.RunID) + "/" + topicSegment(stream)
}

// topicSegment strips MQTT wildcard and separator characters.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}
