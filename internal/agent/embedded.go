package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/tools"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// EmbeddedConfig configures the in-process runtime.
type EmbeddedConfig struct {
	Providers    *providers.Registry
	Tools        *tools.Registry
	Transcripts  store.TranscriptStore
	SystemPrompt string

	MaxIterations int     // tool round trips per attempt (default 20)
	HistoryTurns  int     // user turns kept in the transcript; 0 = unlimited
	MaxTokens     int     // default 8192
	Temperature   float64 // default 0.7

	BlockStreaming bool
	BlockMinChars  int
	BlockMaxChars  int
}

// Embedded runs the think/act/observe loop against a Provider.
type Embedded struct {
	cfg EmbeddedConfig
}

var _ Backend = (*Embedded)(nil)

func NewEmbedded(cfg EmbeddedConfig) *Embedded {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	return &Embedded{cfg: cfg}
}

func (e *Embedded) Run(ctx context.Context, a *Attempt) (*RunResult, error) {
	start := time.Now()
	req := a.Request

	p, err := e.cfg.Providers.Get(a.Provider)
	if err != nil {
		return nil, err
	}
	model := a.Model
	if model == "" {
		model = p.DefaultModel()
	}
	a.Emit.Start(a.Provider, model)
	meta := RunMeta{Provider: a.Provider, Model: model}

	history, err := e.cfg.Transcripts.Load(ctx, a.SessionID)
	if err != nil {
		a.Emit.Error(SanitizeErrorText(err.Error()))
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	history = sanitizeHistory(history)

	if trimmed, ok := limitHistoryTurns(history, e.cfg.HistoryTurns); ok {
		a.Emit.Compaction(protocol.CompactionStart)
		if err := e.cfg.Transcripts.Replace(ctx, a.SessionID, trimmed); err != nil {
			a.Emit.Error("compaction failed")
			meta.Error = &SoftError{Kind: SoftCompactionFailure, Message: "compaction failed: " + err.Error()}
			return &RunResult{Meta: meta}, nil
		}
		a.Emit.Compaction(protocol.CompactionEnd)
		slog.Info("agent: history compacted", "session", req.SessionKey, "from", len(history), "to", len(trimmed))
		history = trimmed
		meta.Compactions++
	}

	messages := make([]providers.Message, 0, len(history)+2)
	if e.cfg.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: e.cfg.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Prompt, Images: loadImages(req.Images)})
	newMsgs := []providers.Message{{Role: "user", Content: req.Prompt}}

	ctx = tools.WithRoute(ctx, tools.Route{Channel: req.Channel, ChatID: req.To, AccountID: req.AccountID, ThreadID: req.ThreadID})
	ctx = tools.WithSendRecorder(ctx, a.Recorder)

	chunker := newBlockChunker(e.cfg.BlockMinChars, e.cfg.BlockMaxChars)
	var payloads []reply.Payload
	sendBlock := func(text string) {
		text = SanitizeAssistantContent(text)
		if text == "" {
			return
		}
		pl := reply.Payload{Text: text}
		payloads = append(payloads, pl)
		if a.OnBlock != nil {
			a.OnBlock(pl)
		}
	}

	var finalContent string
	streamed := false
	for iteration := 1; ; iteration++ {
		if iteration > e.cfg.MaxIterations {
			slog.Warn("agent: iteration limit reached", "session", req.SessionKey, "limit", e.cfg.MaxIterations)
			finalContent = "I stopped after reaching the tool call limit for this turn."
			streamed = false
			break
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    e.definitions(),
			Model:    model,
			Options: map[string]any{
				providers.OptMaxTokens:   e.cfg.MaxTokens,
				providers.OptTemperature: e.cfg.Temperature,
			},
		}
		streamed = false
		resp, err := p.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Thinking != "" && req.Hooks.OnReasoning != nil {
				req.Hooks.OnReasoning(chunk.Thinking)
			}
			if chunk.Content == "" {
				return
			}
			streamed = true
			a.Emit.Assistant(chunk.Content)
			if req.Hooks.OnPartialReply != nil {
				req.Hooks.OnPartialReply(chunk.Content)
			}
			if e.cfg.BlockStreaming {
				for _, b := range chunker.Push(chunk.Content) {
					sendBlock(b)
				}
			}
		})
		if err != nil {
			a.Emit.Error(SanitizeErrorText(err.Error()))
			if soft := softErrorFor(err); soft != nil {
				meta.Error = soft
				meta.DurationMs = time.Since(start).Milliseconds()
				return &RunResult{Meta: meta}, nil
			}
			return nil, err
		}
		meta.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		// Text preceding tool calls goes out before their results.
		if e.cfg.BlockStreaming {
			if !streamed && resp.Content != "" {
				chunker.Push(resp.Content)
			}
			if rest := chunker.Flush(); rest != "" {
				sendBlock(rest)
			}
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		newMsgs = append(newMsgs, assistantMsg)

		for _, tc := range resp.ToolCalls {
			toolMsg := e.executeTool(ctx, a, tc)
			messages = append(messages, toolMsg)
			newMsgs = append(newMsgs, toolMsg)
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	if e.cfg.BlockStreaming {
		if !streamed && finalContent != "" {
			for _, b := range chunker.Push(finalContent) {
				sendBlock(b)
			}
		}
		if rest := chunker.Flush(); rest != "" {
			sendBlock(rest)
		}
	} else if finalContent != "" {
		payloads = append(payloads, reply.Payload{Text: finalContent})
	}

	if finalContent != "" {
		newMsgs = append(newMsgs, providers.Message{Role: "assistant", Content: finalContent})
	}
	if err := e.cfg.Transcripts.Append(ctx, a.SessionID, newMsgs...); err != nil {
		slog.Warn("agent: transcript append failed", "session", req.SessionKey, "session_id", a.SessionID, "error", err)
	}

	meta.DurationMs = time.Since(start).Milliseconds()
	a.Emit.End(map[string]any{
		"provider":   a.Provider,
		"model":      model,
		"durationMs": meta.DurationMs,
	})
	return &RunResult{Payloads: payloads, Meta: meta}, nil
}

func (e *Embedded) definitions() []providers.ToolDefinition {
	list := e.cfg.Tools.List()
	if len(list) == 0 {
		return nil
	}
	defs := make([]providers.ToolDefinition, len(list))
	for i, t := range list {
		defs[i] = tools.ToDefinition(t)
	}
	return defs
}

func (e *Embedded) executeTool(ctx context.Context, a *Attempt, tc providers.ToolCall) providers.Message {
	a.Emit.Tool(protocol.ToolPhaseStart, tc.Name, tc.ID, false)
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("agent: tool call", "session", a.Request.SessionKey, "tool", tc.Name, "args_len", len(argsJSON))

	result := e.cfg.Tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		slog.Warn("agent: tool error", "tool", tc.Name, "error", SanitizeErrorText(result.ForLLM))
	}
	a.Emit.Tool(protocol.ToolPhaseResult, tc.Name, tc.ID, result.IsError)

	if result.ForUser != "" && !result.Silent && a.OnTool != nil {
		a.OnTool(reply.Payload{Text: result.ForUser, IsError: result.IsError})
	}
	return providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}
}

// softErrorFor maps history-related provider errors to soft errors so the
// runner can reset the session instead of failing the chain.
func softErrorFor(err error) *SoftError {
	switch ClassifyError(err) {
	case ClassContextOverflow:
		return &SoftError{Kind: SoftContextOverflow, Message: err.Error()}
	case ClassCompactionFailure:
		return &SoftError{Kind: SoftCompactionFailure, Message: err.Error()}
	case ClassRoleOrdering:
		return &SoftError{Kind: SoftRoleOrdering, Message: err.Error()}
	}
	return nil
}
