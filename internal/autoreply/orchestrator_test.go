package autoreply

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/agent"
	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/queue"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
)

type fakeSender struct {
	mu     sync.Mutex
	msgs   []bus.OutboundMessage
	typing []bool
	failN  int
}

func (s *fakeSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("channel unavailable")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) SendTyping(_ context.Context, _, _ string, typing bool) error {
	s.mu.Lock()
	s.typing = append(s.typing, typing)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) sent() []bus.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.OutboundMessage(nil), s.msgs...)
}

func (s *fakeSender) typingSignals() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.typing...)
}

type fakeRunner struct {
	mu       sync.Mutex
	reqs     []agent.RunRequest
	resets   []string
	resetErr error
	run      func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error)
}

func (r *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.run(ctx, req)
}

func (r *fakeRunner) ResetSession(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, key)
	return r.resetErr
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func success(payloads ...reply.Payload) *agent.Outcome {
	return &agent.Outcome{
		Kind:                  agent.OutcomeSuccess,
		Result:                &agent.RunResult{Payloads: payloads},
		DirectlySentBlockKeys: map[string]struct{}{},
	}
}

func newTestOrchestrator(t *testing.T, mode string, runner *fakeRunner, sender *fakeSender) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	zero := 0
	cfg.Queue.DebounceMs = &zero
	cfg.Queue.Mode = mode
	o := New(Options{
		Config: cfg,
		Queue:  queue.New(queue.Options{RetryDelay: time.Millisecond}),
		Runner: runner,
		Sender: sender,
		Dedupe: bus.NewDedupeCache(time.Minute, 100),
	})
	t.Cleanup(o.Close)
	return o
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDrained(t *testing.T, o *Orchestrator, msg bus.InboundMessage) {
	t.Helper()
	key := o.SessionKeyFor(msg)
	eventually(t, "drain of "+key, func() bool {
		return !o.queue.Draining(key) && o.active.Len() == 0
	})
}

func TestMessagingToolSendToOriginSuppressesReply(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		out := success(reply.Payload{Text: "hi"})
		out.Result.MessagingSends = reply.MessagingSends{
			Texts:   []string{"hi"},
			Targets: []reply.SentTarget{{Tool: "slack", Provider: "slack", To: "channel:C1"}},
		}
		return out, nil
	}}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "followup", runner, sender)

	msg := bus.InboundMessage{Channel: "slack", ChatID: "channel:C1", SenderID: "U1", Content: "say hi", MessageID: "m1"}
	if !o.HandleInbound(context.Background(), msg) {
		t.Fatal("message not accepted")
	}
	waitDrained(t, o, msg)

	if runner.calls() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls())
	}
	if got := sender.sent(); len(got) != 0 {
		t.Fatalf("expected no channel replies, got %+v", got)
	}
}

func TestStreamedBlocksAreNotResent(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		first := reply.Payload{Text: "part one"}
		if err := req.Hooks.OnBlockReply(ctx, first); err != nil {
			return nil, err
		}
		out := success(first, reply.Payload{Text: "part two"})
		out.DirectlySentBlockKeys[agent.BlockKey(first)] = struct{}{}
		return out, nil
	}}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "collect", runner, sender)

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "tell me"}
	o.HandleInbound(context.Background(), msg)
	waitDrained(t, o, msg)

	got := sender.sent()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2: %+v", len(got), got)
	}
	if got[0].Content != "part one" || got[0].Kind != string(reply.KindBlock) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Content != "part two" || got[1].Kind != string(reply.KindFinal) {
		t.Errorf("second = %+v", got[1])
	}
	eventually(t, "typing stop", func() bool {
		sig := sender.typingSignals()
		return len(sig) == 2 && sig[0] && !sig[1]
	})
}

func TestFinalOutcomeIsDelivered(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		return &agent.Outcome{Kind: agent.OutcomeFinal, Final: reply.Payload{Text: "⚠️ failed", IsError: true}}, nil
	}}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "followup", runner, sender)

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "hello"}
	o.HandleInbound(context.Background(), msg)
	waitDrained(t, o, msg)

	got := sender.sent()
	if len(got) != 1 || got[0].Content != "⚠️ failed" || !got[0].IsError {
		t.Fatalf("sent = %+v", got)
	}
}

func TestDeliveryFailureRetriesTurn(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		return success(reply.Payload{Text: "answer"}), nil
	}}
	sender := &fakeSender{failN: 1}
	o := newTestOrchestrator(t, "followup", runner, sender)

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "question"}
	o.HandleInbound(context.Background(), msg)
	waitDrained(t, o, msg)

	if runner.calls() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls())
	}
	got := sender.sent()
	if len(got) != 1 || got[0].Content != "answer" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestInboundDedupe(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		return success(reply.Payload{Text: "ok"}), nil
	}}
	o := newTestOrchestrator(t, "followup", runner, &fakeSender{})

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", SenderID: "u", Content: "hi", MessageID: "m1"}
	if !o.HandleInbound(context.Background(), msg) {
		t.Fatal("first delivery rejected")
	}
	if o.HandleInbound(context.Background(), msg) {
		t.Fatal("redelivery accepted")
	}
	waitDrained(t, o, msg)
	if runner.calls() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls())
	}
}

// blockingRunner blocks every run until its context is cancelled and
// records the cancel cause.
func blockingRunner(started chan<- string, causes chan<- error) *fakeRunner {
	return &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		if req.Prompt != "block" {
			return success(reply.Payload{Text: "reply to " + req.Prompt}), nil
		}
		started <- req.RunID
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	}}
}

func TestStopCommandAbortsActiveRun(t *testing.T) {
	started := make(chan string, 1)
	causes := make(chan error, 1)
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "followup", blockingRunner(started, causes), sender)

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "block"}
	o.HandleInbound(context.Background(), msg)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not start")
	}

	stop := msg
	stop.Content = "/stop"
	o.HandleInbound(context.Background(), stop)

	select {
	case cause := <-causes:
		if !errors.Is(cause, ErrStopped) {
			t.Fatalf("cause = %v, want ErrStopped", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run was not aborted")
	}
	waitDrained(t, o, msg)

	got := sender.sent()
	if len(got) != 1 || got[0].Content != msgStopped {
		t.Fatalf("sent = %+v", got)
	}
}

func TestInterruptModeReplacesActiveRun(t *testing.T) {
	started := make(chan string, 1)
	causes := make(chan error, 1)
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "interrupt", blockingRunner(started, causes), sender)

	first := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "block"}
	o.HandleInbound(context.Background(), first)
	<-started

	second := first
	second.Content = "newer"
	o.HandleInbound(context.Background(), second)

	if cause := <-causes; !errors.Is(cause, ErrInterrupted) {
		t.Fatalf("cause = %v, want ErrInterrupted", cause)
	}
	waitDrained(t, o, first)

	got := sender.sent()
	if len(got) != 1 || got[0].Content != "reply to newer" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestResetCommand(t *testing.T) {
	tests := []struct {
		name     string
		resetErr error
		want     string
	}{
		{"ok", nil, msgReset},
		{"store failure", errors.New("disk full"), msgResetFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{resetErr: tt.resetErr}
			sender := &fakeSender{}
			o := newTestOrchestrator(t, "followup", runner, sender)

			msg := bus.InboundMessage{Channel: "webchat", ChatID: "c9", Content: "/reset"}
			o.HandleInbound(context.Background(), msg)

			if len(runner.resets) != 1 || runner.resets[0] != o.SessionKeyFor(msg) {
				t.Fatalf("resets = %v", runner.resets)
			}
			got := sender.sent()
			if len(got) != 1 || got[0].Content != tt.want {
				t.Fatalf("sent = %+v", got)
			}
			if runner.calls() != 0 {
				t.Fatal("command reached the agent")
			}
		})
	}
}

func TestRunRequestCarriesRoute(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		return success(), nil
	}}
	o := newTestOrchestrator(t, "followup", runner, &fakeSender{})

	msg := bus.InboundMessage{
		Channel: "slack", ChatID: "C1", ThreadID: "t1", AccountID: "acct",
		SenderID: "U1", PeerKind: "group", Content: "hello", Media: []string{"/tmp/a.png"},
	}
	o.HandleInbound(context.Background(), msg)
	waitDrained(t, o, msg)

	req := runner.reqs[0]
	if req.SessionKey != "agent:default:slack:group:C1:thread:t1" {
		t.Errorf("session key = %q", req.SessionKey)
	}
	if req.Channel != "slack" || req.To != "C1" || req.ThreadID != "t1" || req.AccountID != "acct" {
		t.Errorf("route = %+v", req)
	}
	if req.PeerKind != "group" || len(req.Images) != 1 || req.Provider != "openai" {
		t.Errorf("run params = %+v", req)
	}
}

func TestToOutbound(t *testing.T) {
	turn := queue.Turn{
		MessageID: "m7",
		Route:     queue.Route{Channel: "webchat", To: "c1", ThreadID: "t", AccountID: "a"},
	}
	tests := []struct {
		name      string
		p         reply.Payload
		wantReply string
		wantMedia int
	}{
		{"plain", reply.Payload{Text: "x"}, "", 0},
		{"reply to current", reply.Payload{Text: "x", ReplyToCurrent: true}, "m7", 0},
		{"explicit reply wins", reply.Payload{Text: "x", ReplyToID: "m1", ReplyToCurrent: true}, "m1", 0},
		{"media", reply.Payload{MediaURL: "a.png", MediaURLs: []string{"a.png", "b.png"}}, "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := toOutbound(turn, tt.p, reply.KindBlock)
			if msg.ReplyToID != tt.wantReply {
				t.Errorf("reply to = %q, want %q", msg.ReplyToID, tt.wantReply)
			}
			if len(msg.Media) != tt.wantMedia {
				t.Errorf("media = %+v", msg.Media)
			}
			if msg.Channel != "webchat" || msg.ChatID != "c1" || msg.ThreadID != "t" || msg.Kind != "block" {
				t.Errorf("routing = %+v", msg)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want command
		ok   bool
	}{
		{"/stop", cmdStop, true},
		{"  /STOP  ", cmdStop, true},
		{"/stop@relaybot", cmdStop, true},
		{"/reset now", cmdReset, true},
		{"/new", cmdNew, true},
		{"/stopwatch", "", false},
		{"stop", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseCommand(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFinishedRunReleasesEventState(t *testing.T) {
	events := bus.NewAgentEvents()
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		events.Emit(bus.AgentEvent{RunID: req.RunID, Stream: "lifecycle", Data: map[string]any{"phase": "start"}})
		events.Emit(bus.AgentEvent{RunID: req.RunID, Stream: "lifecycle", Data: map[string]any{"phase": "end"}})
		return success(reply.Payload{Text: "done"}), nil
	}}
	sender := &fakeSender{}
	o := newTestOrchestrator(t, "followup", runner, sender)
	o.events = events

	for i, id := range []string{"m1", "m2", "m3"} {
		msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "hello", MessageID: id}
		o.HandleInbound(context.Background(), msg)
		eventually(t, "reply", func() bool { return len(sender.sent()) == i+1 })
	}
	eventually(t, "event state release", func() bool { return events.TrackedRuns() == 0 })

	if runner.calls() != 3 {
		t.Fatalf("runner calls = %d, want 3", runner.calls())
	}
}

func TestRunRegistersSessionKeyForEvents(t *testing.T) {
	events := bus.NewAgentEvents()
	keys := make(chan string, 1)
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		unsub := events.Subscribe(req.RunID, func(evt bus.AgentEvent) { keys <- evt.SessionKey })
		defer unsub()
		events.Emit(bus.AgentEvent{RunID: req.RunID, Stream: "lifecycle"})
		return success(), nil
	}}
	o := newTestOrchestrator(t, "followup", runner, &fakeSender{})
	o.events = events

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c2", Content: "hello"}
	o.HandleInbound(context.Background(), msg)

	select {
	case key := <-keys:
		if key != o.SessionKeyFor(msg) {
			t.Errorf("event session key = %q, want %q", key, o.SessionKeyFor(msg))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event emitted")
	}
	eventually(t, "event state release", func() bool { return events.TrackedRuns() == 0 })
}

type slowSender struct {
	fakeSender
	slowText string
	delay    time.Duration
	entered  chan struct{}
	finished atomic.Bool
}

func (s *slowSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content != s.slowText {
		return s.fakeSender.Send(ctx, msg)
	}
	close(s.entered)
	time.Sleep(s.delay)
	err := s.fakeSender.Send(ctx, msg)
	s.finished.Store(true)
	return err
}

func TestAbortedRunWaitsForInFlightDelivery(t *testing.T) {
	sender := &slowSender{slowText: "partial", delay: 150 * time.Millisecond, entered: make(chan struct{})}
	runner := &fakeRunner{run: func(ctx context.Context, req agent.RunRequest) (*agent.Outcome, error) {
		req.Hooks.OnBlockReply(ctx, reply.Payload{Text: "partial"})
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := config.Default()
	zero := 0
	cfg.Queue.DebounceMs = &zero
	cfg.Queue.Mode = "followup"
	o := New(Options{
		Config: cfg,
		Queue:  queue.New(queue.Options{RetryDelay: time.Millisecond}),
		Runner: runner,
		Sender: sender,
	})
	t.Cleanup(o.Close)

	msg := bus.InboundMessage{Channel: "webchat", ChatID: "c1", Content: "go"}
	o.HandleInbound(context.Background(), msg)
	select {
	case <-sender.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("block delivery never started")
	}

	stop := msg
	stop.Content = "/stop"
	o.HandleInbound(context.Background(), stop)

	eventually(t, "run to settle", func() bool { return o.active.Len() == 0 })
	if !sender.finished.Load() {
		t.Fatal("run settled while its block delivery was still in flight")
	}
}

func TestAbortRunOnlyCancelsMatchingRun(t *testing.T) {
	a := NewActiveRuns()
	ctx, cancel := context.WithCancelCause(context.Background())
	a.register("k", "run-new", cancel)

	if a.AbortRun("k", "run-old", ErrInterrupted) {
		t.Fatal("aborted a run that replaced the target")
	}
	if ctx.Err() != nil {
		t.Fatal("newer run was cancelled")
	}
	if !a.AbortRun("k", "run-new", ErrInterrupted) {
		t.Fatal("matching run not aborted")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, ErrInterrupted) {
		t.Errorf("cause = %v, want ErrInterrupted", cause)
	}
	if a.AbortRun("missing", "run-new", ErrInterrupted) {
		t.Error("abort of unknown session reported success")
	}
}
