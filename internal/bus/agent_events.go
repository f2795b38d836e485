package bus

import (
	"log/slog"
	"sync"
	"time"
)

// AllRuns subscribes a handler to every run.
const AllRuns = ""

type subscription struct {
	id      uint64
	runID   string
	handler AgentEventHandler
}

// AgentEvents is the process-wide lifecycle event bus. One instance is
// constructed at startup and passed to every emitter and consumer.
type AgentEvents struct {
	mu       sync.RWMutex
	seq      map[string]int64
	sessions map[string]string
	subs     []subscription
	nextID   uint64
}

// NewAgentEvents creates an empty event bus.
func NewAgentEvents() *AgentEvents {
	return &AgentEvents{
		seq:      make(map[string]int64),
		sessions: make(map[string]string),
	}
}

// RegisterRun associates a run with its session key so emitted events carry it.
func (e *AgentEvents) RegisterRun(runID, sessionKey string) {
	e.mu.Lock()
	e.sessions[runID] = sessionKey
	e.mu.Unlock()
}

// ClearRun drops per-run bookkeeping once a run has fully settled.
func (e *AgentEvents) ClearRun(runID string) {
	e.mu.Lock()
	delete(e.seq, runID)
	delete(e.sessions, runID)
	e.mu.Unlock()
}

// TrackedRuns returns how many runs still hold sequence or session state.
func (e *AgentEvents) TrackedRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.seq)
	for id := range e.sessions {
		if _, ok := e.seq[id]; !ok {
			n++
		}
	}
	return n
}

// Emit stamps the event with a per-run sequence number and timestamp and
// hands it to matching subscribers synchronously.
func (e *AgentEvents) Emit(evt AgentEvent) {
	e.mu.Lock()
	e.seq[evt.RunID]++
	evt.Seq = e.seq[evt.RunID]
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	if evt.SessionKey == "" {
		evt.SessionKey = e.sessions[evt.RunID]
	}
	var targets []AgentEventHandler
	for _, s := range e.subs {
		if s.runID == AllRuns || s.runID == evt.RunID {
			targets = append(targets, s.handler)
		}
	}
	e.mu.Unlock()

	for _, h := range targets {
		deliverEvent(h, evt)
	}
}

// Subscribe registers handler for runID (or AllRuns). The returned func
// removes the subscription and is safe to call more than once.
func (e *AgentEvents) Subscribe(runID string, handler AgentEventHandler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, runID: runID, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func deliverEvent(h AgentEventHandler, evt AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: agent event handler panicked", "run_id", evt.RunID, "stream", evt.Stream, "panic", r)
		}
	}()
	h(evt)
}

var _ EventPublisher = (*AgentEvents)(nil)
