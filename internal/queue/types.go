package queue

import (
	"time"
)

// Mode controls how turns arriving while the agent is busy are handled.
type Mode string

const (
	// ModeInterrupt discards buffered turns when a new one arrives; the
	// caller is expected to abort the active run for the key.
	ModeInterrupt Mode = "interrupt"
	// ModeCollect merges buffered turns sharing a route into one follow-up turn.
	ModeCollect Mode = "collect"
	// ModeFollowup drains buffered turns one at a time.
	ModeFollowup Mode = "followup"
)

// DropPolicy decides what happens once a key's buffer reaches its cap.
type DropPolicy string

const (
	// DropSummarize evicts the oldest buffered turn and keeps a one-line
	// preview of it for the overflow notice.
	DropSummarize DropPolicy = "summarize"
	// DropDrop rejects the incoming turn.
	DropDrop DropPolicy = "drop"
)

// DedupMode selects how duplicate enqueues are detected.
type DedupMode string

const (
	DedupMessageID DedupMode = "message-id"
	DedupPrompt    DedupMode = "prompt"
)

const (
	DefaultMode       = ModeCollect
	DefaultDebounce   = time.Second
	DefaultCap        = 20
	DefaultDropPolicy = DropSummarize
)

// Settings are resolved per conversation from configuration.
type Settings struct {
	Mode       Mode
	Debounce   time.Duration
	Cap        int
	DropPolicy DropPolicy
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Mode:       DefaultMode,
		Debounce:   DefaultDebounce,
		Cap:        DefaultCap,
		DropPolicy: DefaultDropPolicy,
	}
}

// normalized fills unset fields and enforces Cap >= 1.
func (s Settings) normalized() Settings {
	switch s.Mode {
	case ModeInterrupt, ModeCollect, ModeFollowup:
	default:
		s.Mode = DefaultMode
	}
	switch s.DropPolicy {
	case DropSummarize, DropDrop:
	default:
		s.DropPolicy = DefaultDropPolicy
	}
	if s.Cap < 1 {
		s.Cap = DefaultCap
	}
	if s.Debounce < 0 {
		s.Debounce = 0
	}
	return s
}

// Route identifies where a turn came from and where its replies go.
type Route struct {
	Channel   string
	To        string
	AccountID string
	ThreadID  string
}

// mergeKey groups turns that may be coalesced in collect mode.
func (r Route) mergeKey() string {
	return r.Channel + "|" + r.To + "|" + r.ThreadID
}

// RunParams carries the resolved agent-run parameters of a turn.
type RunParams struct {
	AgentID    string
	SessionKey string
	SenderID   string
	PeerKind   string
	Provider   string
	Model      string
	Workspace  string
	Timeout    time.Duration
	Images     []string
	Heartbeat  bool
}

// Turn is one inbound request. It is treated as immutable once enqueued.
type Turn struct {
	Prompt     string
	EnqueuedAt time.Time
	MessageID  string
	Route      Route
	Run        RunParams

	// Merged is the number of inbound turns folded into this one by a
	// drain; zero for turns that were never drained.
	Merged int
}
