package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

const cloudflare521 = "521 <html><head><title>Web server is down</title></head><body><h1>Error 521</h1></body></html>"

func newTestRunner(b Backend, sessions store.SessionStore, transcripts store.TranscriptStore, events bus.EventPublisher) *Runner {
	return NewRunner(RunnerConfig{
		Embedded:            b,
		Sessions:            sessions,
		Transcripts:         transcripts,
		Events:              events,
		TransientRetryDelay: time.Millisecond,
	})
}

func baseRequest() RunRequest {
	return RunRequest{
		RunID:      "run-1",
		SessionKey: "agent:default:slack:direct:C1",
		Prompt:     "hello",
		Provider:   "openai",
		Model:      "gpt-test",
		Channel:    "slack",
		To:         "channel:C1",
	}
}

func TestRunnerTransientErrorRetriesWholeChainOnce(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	calls := 0
	backend := backendFunc(func(_ context.Context, a *Attempt) (*RunResult, error) {
		calls++
		a.Emit.Start(a.Provider, a.Model)
		if calls == 1 {
			return nil, errors.New(cloudflare521)
		}
		a.Emit.End(nil)
		return &RunResult{Payloads: []reply.Payload{{Text: "second attempt"}}}, nil
	})
	events := bus.NewAgentEvents()
	lc := recordLifecycle(events)

	out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), events).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("backend calls = %d, want 2", calls)
	}
	if out.Kind != OutcomeSuccess || out.Result.Payloads[0].Text != "second attempt" {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(logs.String(), "transient provider error") {
		t.Errorf("expected transient notice in logs, got %q", logs.String())
	}
	if lc.count("error") != 1 || lc.count("end") != 1 {
		t.Errorf("terminal events = %v, want one error and one end", lc.phases)
	}
}

func TestRunnerSecondTransientFailureIsFatal(t *testing.T) {
	calls := 0
	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		calls++
		return nil, errors.New(cloudflare521)
	})
	out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("backend calls = %d, want 2", calls)
	}
	if out.Kind != OutcomeFinal || !out.Final.IsError {
		t.Fatalf("outcome = %+v", out)
	}
	if strings.Contains(out.Final.Text, "<html") || !strings.Contains(out.Final.Text, "Check gateway logs") {
		t.Errorf("final text not sanitized: %q", out.Final.Text)
	}
}

func TestRunnerSoftContextOverflowResetsSession(t *testing.T) {
	sessions := newMemSessions()
	req := baseRequest()
	sessions.entries[req.SessionKey] = &store.SessionEntry{SessionID: "old", LastChannel: "slack", LastTo: "channel:C1", InputTokens: 900}

	backend := backendFunc(func(_ context.Context, a *Attempt) (*RunResult, error) {
		a.Emit.Start(a.Provider, a.Model)
		a.Emit.Error("overflow")
		return &RunResult{Meta: RunMeta{Error: &SoftError{Kind: SoftContextOverflow, Message: "prompt is too long"}}}, nil
	})
	out, err := newTestRunner(backend, sessions, newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != OutcomeFinal || out.Final.Text != msgOverflowReset {
		t.Fatalf("outcome = %+v", out)
	}
	e := sessions.entry(req.SessionKey)
	if e == nil || e.SessionID == "old" || e.SessionID == "" {
		t.Fatalf("session not reset: %+v", e)
	}
	if e.LastChannel != "slack" || e.InputTokens != 0 {
		t.Errorf("reset should keep route and clear counters: %+v", e)
	}
}

func TestRunnerRecoveryMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"role ordering", errors.New("400: roles must alternate between user and assistant"), msgRoleReset},
		{"compaction", errors.New("auto-compaction failed: summarizer timed out"), msgCompactionReset},
		{"overflow thrown", errors.New("context_length_exceeded"), msgOverflowReset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
				calls++
				return nil, tc.err
			})
			req := baseRequest()
			req.Fallbacks = []string{"anthropic/claude"}
			out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(context.Background(), req)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Final.Text != tc.want {
				t.Errorf("final = %q, want %q", out.Final.Text, tc.want)
			}
			if calls != 1 {
				t.Errorf("history errors must not fall back, calls = %d", calls)
			}
		})
	}
}

func TestRunnerResetFailureFallsThroughToFatal(t *testing.T) {
	sessions := newMemSessions()
	req := baseRequest()
	sessions.entries[req.SessionKey] = &store.SessionEntry{SessionID: "s1"}
	sessions.failWrite = true

	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		return nil, errors.New("roles must alternate")
	})
	out, err := newTestRunner(backend, sessions, newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Final.Text != msgRoleFatal {
		t.Errorf("final = %q, want role ordering fatal", out.Final.Text)
	}
}

func TestRunnerSessionCorruptionDeletesTranscript(t *testing.T) {
	sessions := newMemSessions()
	transcripts := newMemTranscripts()
	req := baseRequest()
	sessions.entries[req.SessionKey] = &store.SessionEntry{SessionID: "s1"}
	transcripts.msgs["s1"] = []providers.Message{{Role: "user", Content: "x"}}

	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		return nil, fmt.Errorf("load transcript: %w", store.ErrCorruptTranscript)
	})
	out, err := newTestRunner(backend, sessions, transcripts, nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Final.Text != msgCorruptionReset {
		t.Errorf("final = %q", out.Final.Text)
	}
	if transcripts.has("s1") {
		t.Error("transcript should be deleted")
	}
	if sessions.entry(req.SessionKey) != nil {
		t.Error("session entry should be removed")
	}
}

func TestRunnerSessionCorruptionIgnoresStoreFailure(t *testing.T) {
	sessions := newMemSessions()
	req := baseRequest()
	sessions.entries[req.SessionKey] = &store.SessionEntry{SessionID: "s1"}
	sessions.failWrite = true

	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		return nil, errors.New("function call turn comes immediately after a user turn")
	})
	out, err := newTestRunner(backend, sessions, newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Final.Text != msgCorruptionReset {
		t.Errorf("final = %q", out.Final.Text)
	}
}

func TestRunnerFallsBackToNextCandidate(t *testing.T) {
	var tried []string
	backend := backendFunc(func(_ context.Context, a *Attempt) (*RunResult, error) {
		tried = append(tried, a.Provider+"/"+a.Model)
		if a.Provider == "openai" {
			return nil, errors.New("401 unauthorized")
		}
		return &RunResult{Payloads: []reply.Payload{{Text: "ok"}}}, nil
	})
	req := baseRequest()
	req.Fallbacks = []string{"anthropic/claude-test"}
	out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != OutcomeSuccess || out.FallbackProvider != "anthropic" || out.FallbackModel != "claude-test" {
		t.Fatalf("outcome = %+v", out)
	}
	if strings.Join(tried, ",") != "openai/gpt-test,anthropic/claude-test" {
		t.Errorf("tried = %v", tried)
	}
}

func TestRunnerGenericFailureMessage(t *testing.T) {
	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		return nil, errors.New("invalid api key sk-abcdefghijklmnop")
	})
	out, _ := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(context.Background(), baseRequest())
	if out.Kind != OutcomeFinal {
		t.Fatalf("outcome = %+v", out)
	}
	if strings.Contains(out.Final.Text, "abcdefghijklmnop") {
		t.Errorf("secret leaked: %q", out.Final.Text)
	}
	if !strings.HasPrefix(out.Final.Text, "⚠️ Agent failed before reply") {
		t.Errorf("final = %q", out.Final.Text)
	}
}

func TestRunnerPanicEmitsTerminalEvent(t *testing.T) {
	events := bus.NewAgentEvents()
	lc := recordLifecycle(events)
	backend := backendFunc(func(_ context.Context, a *Attempt) (*RunResult, error) {
		a.Emit.Start(a.Provider, a.Model)
		panic("boom")
	})
	out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), events).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != OutcomeFinal {
		t.Fatalf("outcome = %+v", out)
	}
	if lc.count("error") != 1 || lc.count("end") != 0 {
		t.Errorf("phases = %v", lc.phases)
	}
}

func TestRunnerAbortReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := backendFunc(func(ctx context.Context, _ *Attempt) (*RunResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(ctx, baseRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunnerSettlesStreamedDeliveries(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	deliver := func(kind string) func(context.Context, reply.Payload) error {
		return func(_ context.Context, p reply.Payload) error {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			delivered = append(delivered, kind+":"+p.Text)
			mu.Unlock()
			if p.Text == "fails" {
				return errors.New("channel down")
			}
			return nil
		}
	}
	backend := backendFunc(func(_ context.Context, a *Attempt) (*RunResult, error) {
		a.OnBlock(reply.Payload{Text: "one"})
		a.OnTool(reply.Payload{Text: "fails"})
		a.OnBlock(reply.Payload{Text: "two"})
		return &RunResult{Payloads: []reply.Payload{{Text: "one"}, {Text: "two"}}}, nil
	})
	req := baseRequest()
	req.Hooks = Hooks{OnBlockReply: deliver("block"), OnToolResult: deliver("tool")}

	out, err := newTestRunner(backend, newMemSessions(), newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	got := strings.Join(delivered, ",")
	mu.Unlock()
	if got != "block:one,tool:fails,block:two" {
		t.Errorf("delivered = %q", got)
	}
	if len(out.DirectlySentBlockKeys) != 2 {
		t.Errorf("block keys = %v", out.DirectlySentBlockKeys)
	}
	if _, ok := out.DirectlySentBlockKeys[BlockKey(reply.Payload{Text: " one "})]; !ok {
		t.Error("block key should ignore surrounding whitespace")
	}
}

func TestRunnerRecordsUsage(t *testing.T) {
	sessions := newMemSessions()
	backend := backendFunc(func(context.Context, *Attempt) (*RunResult, error) {
		return &RunResult{
			Payloads: []reply.Payload{{Text: "hi"}},
			Meta:     RunMeta{Model: "gpt-test", Compactions: 1, Usage: providers.Usage{PromptTokens: 120, CompletionTokens: 30}},
		}, nil
	})
	req := baseRequest()
	req.AccountID = "work"
	out, err := newTestRunner(backend, sessions, newMemTranscripts(), nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.CompactionCompleted {
		t.Error("CompactionCompleted should be set")
	}
	e := sessions.entry(req.SessionKey)
	if e.InputTokens != 120 || e.OutputTokens != 30 || e.TotalTokens != 150 || e.ContextTokens != 120 {
		t.Errorf("tokens = %+v", e)
	}
	if e.CompactionCount != 1 || e.Provider != "openai" || e.Model != "gpt-test" {
		t.Errorf("meta = %+v", e)
	}
	if e.LastChannel != "slack" || e.LastTo != "channel:C1" || e.LastAccountID != "work" {
		t.Errorf("route = %+v", e)
	}
}
