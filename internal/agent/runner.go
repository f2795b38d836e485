package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/clock"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/tools"
)

// DefaultTransientRetryDelay is the wait before the fallback chain is
// retried after a provider-wide outage.
const DefaultTransientRetryDelay = 2500 * time.Millisecond

const tracerName = "github.com/nextlevelbuilder/clawrelay/internal/agent"

// User-facing terminal messages.
const (
	msgOverflowReset   = "⚠️ Context limit exceeded. I've reset our conversation to start fresh - please try again."
	msgCompactionReset = "⚠️ Context limit exceeded during compaction. I've reset our conversation to start fresh - please try again."
	msgRoleReset       = "⚠️ Message ordering conflict. I've reset the conversation - please try again."
	msgCorruptionReset = "⚠️ Session history was corrupted. I've reset the conversation - please try again!"

	msgOverflowFatal = "⚠️ Context overflow: this conversation is too large for the model. Use /reset to start a new session, or switch to a model with a larger context window. Check gateway logs for details."
	msgRoleFatal     = "⚠️ Message ordering conflict with the model provider. Use /reset to start a new session. Check gateway logs for details."
	msgGenericFatal  = "⚠️ Agent failed before reply: %s. Check gateway logs for details."
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Providers   *providers.Registry
	Embedded    Backend
	CLI         Backend
	Sessions    store.SessionStore
	Transcripts store.TranscriptStore
	Events      bus.EventPublisher

	TransientRetryDelay time.Duration // 0 = DefaultTransientRetryDelay
	Tracer              trace.Tracer  // nil = global otel tracer
}

// Runner is the execution loop. One Runner serves every conversation;
// per-turn state lives on the stack of Run.
type Runner struct {
	providers   *providers.Registry
	embedded    Backend
	cli         Backend
	sessions    store.SessionStore
	transcripts store.TranscriptStore
	events      bus.EventPublisher
	retryDelay  time.Duration
	tracer      trace.Tracer
}

func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.TransientRetryDelay
	if delay <= 0 {
		delay = DefaultTransientRetryDelay
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Runner{
		providers:   cfg.Providers,
		embedded:    cfg.Embedded,
		cli:         cfg.CLI,
		sessions:    cfg.Sessions,
		transcripts: cfg.Transcripts,
		events:      cfg.Events,
		retryDelay:  delay,
		tracer:      tracer,
	}
}

// turnState tracks recoveries already spent in this turn.
type turnState struct {
	transientRetried bool
	resetDone        bool
}

// Run executes one turn. Recoverable failures are handled here and come
// back as a Final outcome; the only error returned is an abort of ctx.
// Streamed deliveries scheduled through the request hooks have settled
// by the time Run returns.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	pending := NewPendingTasks(ctx, req.RunID)
	defer pending.Wait()

	var keysMu sync.Mutex
	blockKeys := make(map[string]struct{})
	onBlock := func(p reply.Payload) {
		keysMu.Lock()
		blockKeys[BlockKey(p)] = struct{}{}
		keysMu.Unlock()
		if req.Hooks.OnBlockReply != nil {
			pending.Go("block_reply", func(ctx context.Context) error { return req.Hooks.OnBlockReply(ctx, p) })
		}
	}
	onTool := func(p reply.Payload) {
		if req.Hooks.OnToolResult != nil {
			pending.Go("tool_result", func(ctx context.Context) error { return req.Hooks.OnToolResult(ctx, p) })
		}
	}

	sess := r.ensureSession(ctx, req.SessionKey)
	chain := ResolveChain(req.Provider, req.Model, req.Fallbacks)
	var st turnState

	for {
		res, used, err := runWithModelFallback(ctx, chain, func(ctx context.Context, c Candidate) (*RunResult, error) {
			return r.attempt(ctx, &req, c, sess, onBlock, onTool)
		})
		if err == nil {
			if soft := res.Meta.Error; soft != nil {
				return r.handleSoftError(ctx, &req, &st, soft), nil
			}
			r.recordUsage(ctx, &req, used, res)

			// Settle streamed deliveries before reporting which blocks went out.
			pending.Wait()
			keysMu.Lock()
			keys := make(map[string]struct{}, len(blockKeys))
			for k := range blockKeys {
				keys[k] = struct{}{}
			}
			keysMu.Unlock()

			out := &Outcome{
				Kind:                  OutcomeSuccess,
				Result:                res,
				CompactionCompleted:   res.Meta.Compactions > 0,
				DirectlySentBlockKeys: keys,
			}
			if used != chain[0] {
				out.FallbackProvider = used.Provider
				out.FallbackModel = used.Model
			}
			return out, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("run %s aborted: %w", req.RunID, context.Cause(ctx))
		}

		class := ClassifyError(err)
		switch class {
		case ClassTransientHTTP:
			if !st.transientRetried {
				st.transientRetried = true
				slog.Warn("agent: transient provider error, retrying fallback chain",
					"run", req.RunID, "session", req.SessionKey, "delay", r.retryDelay,
					"error", SanitizeErrorText(err.Error()))
				if err := clock.Sleep(ctx, r.retryDelay); err != nil {
					return nil, fmt.Errorf("run %s aborted: %w", req.RunID, err)
				}
				continue
			}
		case ClassContextOverflow, ClassCompactionFailure, ClassRoleOrdering:
			if out := r.recoverByReset(ctx, &req, &st, class); out != nil {
				return out, nil
			}
		case ClassSessionCorruption:
			r.resetCorruptedSession(ctx, req.SessionKey, sess.SessionID, err)
			return finalOutcome(msgCorruptionReset), nil
		}

		slog.Error("agent: run failed",
			"run", req.RunID, "session", req.SessionKey, "class", class.String(), "error", err)
		return finalOutcome(fatalMessage(class, err)), nil
	}
}

func (r *Runner) handleSoftError(ctx context.Context, req *RunRequest, st *turnState, soft *SoftError) *Outcome {
	class := ClassContextOverflow
	switch soft.Kind {
	case SoftCompactionFailure:
		class = ClassCompactionFailure
	case SoftRoleOrdering:
		class = ClassRoleOrdering
	}
	slog.Warn("agent: backend reported soft error",
		"run", req.RunID, "session", req.SessionKey, "kind", soft.Kind, "error", SanitizeErrorText(soft.Message))
	if out := r.recoverByReset(ctx, req, st, class); out != nil {
		return out
	}
	return finalOutcome(fatalMessage(class, errors.New(soft.Message)))
}

// recoverByReset resets the session at most once per turn and returns the
// matching terminal message, or nil when the reset was not possible.
func (r *Runner) recoverByReset(ctx context.Context, req *RunRequest, st *turnState, class ErrorClass) *Outcome {
	if st.resetDone {
		return nil
	}
	st.resetDone = true
	if !r.resetSession(ctx, req.SessionKey, class.String()) {
		return nil
	}
	switch class {
	case ClassCompactionFailure:
		return finalOutcome(msgCompactionReset)
	case ClassRoleOrdering:
		return finalOutcome(msgRoleReset)
	default:
		return finalOutcome(msgOverflowReset)
	}
}

func (r *Runner) attempt(ctx context.Context, req *RunRequest, c Candidate, sess *store.SessionEntry, onBlock, onTool func(reply.Payload)) (res *RunResult, err error) {
	ctx, span := r.tracer.Start(ctx, "agent.attempt", trace.WithAttributes(
		attribute.String("agent.run_id", req.RunID),
		attribute.String("agent.session_key", req.SessionKey),
		attribute.String("agent.provider", c.Provider),
		attribute.String("agent.model", c.Model),
	))
	emit := newEmitter(r.events, req.RunID, req.SessionKey)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("agent: attempt panicked", "run", req.RunID, "candidate", c.String(), "panic", p)
			res, err = nil, fmt.Errorf("agent attempt panicked: %v", p)
		}
		emit.guardTerminal(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, SanitizeErrorText(err.Error()))
		}
		span.End()
	}()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	backend := r.embedded
	if r.providers != nil && r.providers.IsCLI(c.Provider) {
		backend = r.cli
	}
	if backend == nil {
		return nil, fmt.Errorf("no backend for provider %q", c.Provider)
	}

	a := &Attempt{
		Request:   req,
		Provider:  c.Provider,
		Model:     c.Model,
		SessionID: sess.SessionID,
		Emit:      emit,
		Recorder:  &tools.SendRecorder{},
		OnBlock:   onBlock,
		OnTool:    onTool,
	}
	if strings.EqualFold(sess.Provider, c.Provider) {
		a.CLISessionID = sess.CLISessionID
	}

	res, err = backend.Run(ctx, a)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &RunResult{}
	}
	if res.Meta.Provider == "" {
		res.Meta.Provider = c.Provider
	}
	if res.Meta.Model == "" {
		res.Meta.Model = c.Model
	}
	res.MessagingSends = a.Recorder.Sends()
	span.SetAttributes(
		attribute.Int("agent.usage.prompt_tokens", res.Meta.Usage.PromptTokens),
		attribute.Int("agent.usage.completion_tokens", res.Meta.Usage.CompletionTokens),
	)
	return res, nil
}

// BlockKey identifies a streamed block so the final reply does not repeat it.
func BlockKey(p reply.Payload) string {
	return strings.TrimSpace(p.Text) + "\x00" + strings.Join(p.Media(), "\x00")
}

func finalOutcome(text string) *Outcome {
	return &Outcome{Kind: OutcomeFinal, Final: reply.Payload{Text: text, IsError: true}}
}

func fatalMessage(class ErrorClass, err error) string {
	switch class {
	case ClassContextOverflow, ClassCompactionFailure:
		return msgOverflowFatal
	case ClassRoleOrdering, ClassSessionCorruption:
		return msgRoleFatal
	}
	return fmt.Sprintf(msgGenericFatal, SanitizeErrorText(err.Error()))
}
