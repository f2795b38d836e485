package store

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// ErrCorruptTranscript is returned when a transcript cannot be parsed.
var ErrCorruptTranscript = errors.New("transcript is corrupt")

// SessionEntry is the persisted state of one conversation.
type SessionEntry struct {
	SessionID       string `json:"sessionId"`
	UpdatedAt       int64  `json:"updatedAt"` // unix ms
	InputTokens     int64  `json:"inputTokens,omitempty"`
	OutputTokens    int64  `json:"outputTokens,omitempty"`
	TotalTokens     int64  `json:"totalTokens,omitempty"`
	ContextTokens   int    `json:"contextTokens,omitempty"` // prompt size of the last call
	CompactionCount int    `json:"compactionCount,omitempty"`
	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	CLISessionID    string `json:"cliSessionId,omitempty"` // resume id for CLI backends

	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`
}

// Clone returns a copy safe to mutate.
func (e *SessionEntry) Clone() *SessionEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// SessionStore is a map from session key to SessionEntry with an atomic
// read-modify-write primitive.
type SessionStore interface {
	// Load returns a snapshot of all entries.
	Load(ctx context.Context) (map[string]*SessionEntry, error)

	// Get returns a copy of one entry, or nil when absent.
	Get(ctx context.Context, key string) (*SessionEntry, error)

	// Update reads the current map, lets fn mutate it in place and writes
	// the result back. The whole call is atomic with respect to other
	// Update calls on the same store. If fn returns an error nothing is
	// written.
	Update(ctx context.Context, fn func(entries map[string]*SessionEntry) error) error
}

// TranscriptStore persists the message history of a session id.
type TranscriptStore interface {
	Load(ctx context.Context, sessionID string) ([]providers.Message, error)
	Append(ctx context.Context, sessionID string, msgs ...providers.Message) error
	Replace(ctx context.Context, sessionID string, msgs []providers.Message) error
	// Delete removes the transcript. A missing transcript is not an error.
	Delete(ctx context.Context, sessionID string) error
}
