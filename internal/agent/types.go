// Package agent runs one agent turn: it resolves the provider/model
// fallback chain, invokes the embedded runtime or a CLI backend, classifies
// failures and recovers broken sessions, and reports a tagged Outcome.
package agent

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
	"github.com/nextlevelbuilder/clawrelay/internal/tools"
)

// RunRequest is the input for one agent turn.
type RunRequest struct {
	RunID      string
	SessionKey string
	AgentID    string
	Prompt     string

	Provider  string
	Model     string
	Fallbacks []string // "provider/model" or "model"
	Workspace string
	Timeout   time.Duration
	Images    []string // local file paths
	Heartbeat bool

	// Origin of the turn.
	Channel   string
	To        string
	AccountID string
	ThreadID  string
	SenderID  string
	PeerKind  string

	Hooks Hooks
}

// Hooks receive streamed output while the attempt is still running.
// OnBlockReply and OnToolResult are invoked through the turn's pending task
// set in submission order; OnPartialReply and OnReasoning are called inline.
type Hooks struct {
	OnBlockReply   func(ctx context.Context, p reply.Payload) error
	OnToolResult   func(ctx context.Context, p reply.Payload) error
	OnPartialReply func(delta string)
	OnReasoning    func(delta string)
}

// SoftErrorKind enumerates failures a backend reports as data.
type SoftErrorKind string

const (
	SoftContextOverflow   SoftErrorKind = "context_overflow"
	SoftCompactionFailure SoftErrorKind = "compaction_failure"
	SoftRoleOrdering      SoftErrorKind = "role_ordering"
)

// SoftError is a backend failure surfaced in RunMeta rather than returned.
type SoftError struct {
	Kind    SoftErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// RunMeta describes how an attempt ran.
type RunMeta struct {
	Error        *SoftError      `json:"error,omitempty"`
	Usage        providers.Usage `json:"usage"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	DurationMs   int64           `json:"durationMs"`
	Compactions  int             `json:"compactions,omitempty"`
	CLISessionID string          `json:"cliSessionId,omitempty"`
}

// RunResult is the raw output of a backend.
type RunResult struct {
	Payloads       []reply.Payload
	Meta           RunMeta
	MessagingSends reply.MessagingSends
}

// OutcomeKind tags an Outcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFinal   OutcomeKind = "final"
)

// Outcome is what the execution loop hands back for one turn.
// Success carries the raw result for post-processing; Final carries a
// terminal payload to deliver instead.
type Outcome struct {
	Kind OutcomeKind

	Result                *RunResult
	FallbackProvider      string
	FallbackModel         string
	CompactionCompleted   bool
	DirectlySentBlockKeys map[string]struct{}

	Final reply.Payload
}

// Attempt is one (provider, model) invocation handed to a Backend.
type Attempt struct {
	Request      *RunRequest
	Provider     string
	Model        string
	SessionID    string
	CLISessionID string

	Emit     *Emitter
	Recorder *tools.SendRecorder

	// OnBlock and OnTool queue streamed payloads for delivery.
	OnBlock func(reply.Payload)
	OnTool  func(reply.Payload)
}

// Backend executes an attempt.
type Backend interface {
	Run(ctx context.Context, a *Attempt) (*RunResult, error)
}
