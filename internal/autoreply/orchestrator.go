// Package autoreply turns inbound channel messages into agent replies. It
// owns the glue between the run queue, the agent execution loop and the
// per-turn reply dispatcher.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrelay/internal/agent"
	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/queue"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/tools"
)

// TurnRunner executes one agent turn.
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error)
	ResetSession(ctx context.Context, key string) error
}

// TypingSender is implemented by senders that can show a typing indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, channel, chatID string, typing bool) error
}

// RunTracker keeps per-run event bookkeeping. bus.AgentEvents implements it.
type RunTracker interface {
	RegisterRun(runID, sessionKey string)
	ClearRun(runID string)
}

// Options wires an Orchestrator.
type Options struct {
	Config *config.Config
	Queue  *queue.Queue
	Runner TurnRunner
	Sender tools.Sender
	Dedupe *bus.DedupeCache // nil disables inbound dedupe
	Events RunTracker       // nil skips run registration
}

// abortSettleTimeout bounds the wait for an in-flight delivery after a run
// is aborted, so the next turn never overtakes it.
const abortSettleTimeout = 5 * time.Second

// Orchestrator routes inbound messages into per-session queues and runs
// drained turns through the agent, delivering replies in order.
type Orchestrator struct {
	cfg    *config.Config
	queue  *queue.Queue
	runner TurnRunner
	sender tools.Sender
	dedupe *bus.DedupeCache
	events RunTracker
	active *ActiveRuns
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:    opts.Config,
		queue:  opts.Queue,
		runner: opts.Runner,
		sender: opts.Sender,
		dedupe: opts.Dedupe,
		events: opts.Events,
		active: NewActiveRuns(),
	}
}

// Active exposes the active-run registry.
func (o *Orchestrator) Active() *ActiveRuns { return o.active }

// SessionKeyFor returns the session key an inbound message belongs to.
func (o *Orchestrator) SessionKeyFor(msg bus.InboundMessage) string {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = o.cfg.ResolveDefaultAgentID()
	}
	key := sessions.BuildSessionKey(agentID, msg.Channel, sessions.PeerKindFromString(msg.PeerKind), msg.ChatID)
	return sessions.BuildThreadSessionKey(key, msg.ThreadID)
}

// HandleInbound processes one inbound message. Slash commands are answered
// immediately; everything else is queued for the session and a drain is
// scheduled. It reports whether the message was accepted.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg bus.InboundMessage) bool {
	if o.dedupe != nil && msg.MessageID != "" {
		dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID)
		if o.dedupe.IsDuplicate(dedupeKey) {
			slog.Debug("dedup: skipping duplicate message", "key", dedupeKey)
			return false
		}
	}

	if cmd, ok := parseCommand(msg.Content); ok {
		o.handleCommand(ctx, cmd, msg)
		return true
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = o.cfg.ResolveDefaultAgentID()
	}
	key := o.SessionKeyFor(msg)
	settings, dedup := o.cfg.ResolveQueue(msg.Channel)
	ag := o.cfg.ResolveAgent(agentID)

	turn := queue.Turn{
		Prompt:     msg.Content,
		EnqueuedAt: time.Now(),
		MessageID:  msg.MessageID,
		Route: queue.Route{
			Channel:   msg.Channel,
			To:        msg.ChatID,
			AccountID: msg.AccountID,
			ThreadID:  msg.ThreadID,
		},
		Run: queue.RunParams{
			AgentID:    agentID,
			SessionKey: key,
			SenderID:   msg.SenderID,
			PeerKind:   string(sessions.PeerKindFromString(msg.PeerKind)),
			Provider:   ag.Provider,
			Model:      ag.Model,
			Workspace:  config.ExpandHome(ag.Workspace),
			Timeout:    ag.Timeout(),
			Images:     msg.Media,
			Heartbeat:  msg.Heartbeat,
		},
	}

	// Captured before Enqueue: a fast drain may start the new run first.
	prevRun, hadRun := "", false
	if settings.Mode == queue.ModeInterrupt {
		prevRun, hadRun = o.active.RunID(key)
	}

	if !o.queue.Enqueue(key, turn, settings, dedup) {
		slog.Info("inbound: turn not queued", "channel", msg.Channel, "chat_id", msg.ChatID, "session", key)
		return false
	}
	if hadRun && o.active.AbortRun(key, prevRun, ErrInterrupted) {
		slog.Info("inbound: interrupting active run", "session", key, "run", prevRun)
	}

	slog.Info("inbound: queued message",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"peer_kind", turn.Run.PeerKind,
		"agent", agentID,
		"session", key,
		"mode", settings.Mode,
		"depth", o.queue.Depth(key),
	)
	o.queue.ScheduleDrain(key, o.runTurn)
	return true
}

// runTurn executes one drained turn. It returns an error only when replies
// could not be delivered, which makes the queue retry the turn.
func (o *Orchestrator) runTurn(ctx context.Context, turn queue.Turn) error {
	key := turn.Run.SessionKey
	runID := fmt.Sprintf("%s-%s-%s", turn.Route.Channel, turn.Route.To, uuid.NewString()[:8])

	if o.events != nil {
		o.events.RegisterRun(runID, key)
		defer o.events.ClearRun(runID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.active.register(key, runID, cancel)
	defer o.active.done(key, runID)

	ag := o.cfg.ResolveAgent(turn.Run.AgentID)
	d := reply.NewDispatcher(runCtx, reply.DispatcherOptions{
		Deliver: func(ctx context.Context, p reply.Payload, kind reply.Kind) error {
			return o.sender.Send(ctx, toOutbound(turn, p, kind))
		},
		ResponsePrefix: ag.ResponsePrefix,
		Heartbeat:      turn.Run.Heartbeat,
		HumanDelay:     ag.ResolveHumanDelay(),
		OnHeartbeatStrip: func() {
			slog.Debug("autoreply: heartbeat token stripped", "run", runID, "session", key)
		},
		OnIdle: func() {
			o.signalTyping(context.WithoutCancel(runCtx), turn.Route, false)
		},
		OnError: func(err error, kind reply.Kind) {
			slog.Warn("autoreply: delivery failed", "run", runID, "session", key, "kind", kind, "error", err)
		},
	})

	o.signalTyping(runCtx, turn.Route, true)
	slog.Info("autoreply: run started", "run", runID, "session", key, "merged", turn.Merged)

	out, err := o.runner.Run(runCtx, agent.RunRequest{
		RunID:      runID,
		SessionKey: key,
		AgentID:    turn.Run.AgentID,
		Prompt:     turn.Prompt,
		Provider:   turn.Run.Provider,
		Model:      turn.Run.Model,
		Fallbacks:  ag.Fallbacks,
		Workspace:  turn.Run.Workspace,
		Timeout:    turn.Run.Timeout,
		Images:     turn.Run.Images,
		Heartbeat:  turn.Run.Heartbeat,
		Channel:    turn.Route.Channel,
		To:         turn.Route.To,
		AccountID:  turn.Route.AccountID,
		ThreadID:   turn.Route.ThreadID,
		SenderID:   turn.Run.SenderID,
		PeerKind:   turn.Run.PeerKind,
		Hooks: agent.Hooks{
			OnBlockReply: func(_ context.Context, p reply.Payload) error {
				d.SendBlockReply(p)
				return nil
			},
			OnToolResult: func(_ context.Context, p reply.Payload) error {
				d.SendToolResult(p)
				return nil
			},
		},
	})
	if err != nil {
		d.MarkComplete()
		settleAborted(runCtx, d)
		slog.Info("autoreply: run aborted", "run", runID, "session", key, "cause", context.Cause(runCtx))
		return nil
	}

	if out.FallbackProvider != "" {
		slog.Info("autoreply: answered by fallback model", "run", runID, "provider", out.FallbackProvider, "model", out.FallbackModel)
	}
	if out.CompactionCompleted {
		slog.Info("autoreply: session compacted during run", "run", runID, "session", key)
	}

	for _, p := range finalPayloads(out, turn.Route) {
		d.SendFinalReply(p)
	}
	d.MarkComplete()

	err = d.WaitForIdle(runCtx)
	if runCtx.Err() != nil {
		// Stopped or interrupted while delivering.
		settleAborted(runCtx, d)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	slog.Info("autoreply: run finished", "run", runID, "session", key, "delivered", d.Delivered())
	return nil
}

// settleAborted drops undelivered payloads and waits, bounded, for the
// delivery already in flight.
func settleAborted(runCtx context.Context, d *reply.Dispatcher) {
	d.Abort()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), abortSettleTimeout)
	defer cancel()
	if err := d.WaitForIdle(wctx); errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("autoreply: aborted delivery still in flight", "timeout", abortSettleTimeout)
	}
}

// finalPayloads selects what still has to be sent after the run: streamed
// blocks and messaging-tool sends are not repeated.
func finalPayloads(out *agent.Outcome, route queue.Route) []reply.Payload {
	if out.Kind == agent.OutcomeFinal {
		return []reply.Payload{out.Final}
	}
	if out.Result == nil {
		return nil
	}
	payloads := make([]reply.Payload, 0, len(out.Result.Payloads))
	for _, p := range out.Result.Payloads {
		if _, sent := out.DirectlySentBlockKeys[agent.BlockKey(p)]; sent {
			continue
		}
		payloads = append(payloads, p)
	}
	return reply.ApplyMessagingToolDedup(payloads, out.Result.MessagingSends, reply.Origin{
		Provider:  route.Channel,
		To:        route.To,
		AccountID: route.AccountID,
	})
}

func toOutbound(turn queue.Turn, p reply.Payload, kind reply.Kind) bus.OutboundMessage {
	msg := bus.OutboundMessage{
		Channel:   turn.Route.Channel,
		ChatID:    turn.Route.To,
		Content:   p.Text,
		ThreadID:  turn.Route.ThreadID,
		AccountID: turn.Route.AccountID,
		ReplyToID: p.ReplyToID,
		IsError:   p.IsError,
		Kind:      string(kind),
	}
	if msg.ReplyToID == "" && p.ReplyToCurrent {
		msg.ReplyToID = turn.MessageID
	}
	for _, u := range p.Media() {
		msg.Media = append(msg.Media, bus.MediaAttachment{URL: u})
	}
	return msg
}

func (o *Orchestrator) signalTyping(ctx context.Context, route queue.Route, typing bool) {
	ts, ok := o.sender.(TypingSender)
	if !ok {
		return
	}
	if err := ts.SendTyping(ctx, route.Channel, route.To, typing); err != nil {
		slog.Debug("autoreply: typing indicator failed", "channel", route.Channel, "chat_id", route.To, "error", err)
	}
}

// Close stops all drain loops.
func (o *Orchestrator) Close() {
	o.queue.Close()
}

func (o *Orchestrator) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	out := bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   text,
		ThreadID:  msg.ThreadID,
		AccountID: msg.AccountID,
		Kind:      string(reply.KindFinal),
	}
	if err := o.sender.Send(ctx, out); err != nil {
		slog.Warn("autoreply: command reply failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}
