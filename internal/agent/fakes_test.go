package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

type memSessions struct {
	mu        sync.Mutex
	entries   map[string]*store.SessionEntry
	failWrite bool
}

func newMemSessions() *memSessions {
	return &memSessions{entries: make(map[string]*store.SessionEntry)}
}

func (m *memSessions) Load(context.Context) (map[string]*store.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*store.SessionEntry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *memSessions) Get(_ context.Context, key string) (*store.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].Clone(), nil
}

func (m *memSessions) Update(_ context.Context, fn func(map[string]*store.SessionEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("disk full")
	}
	work := make(map[string]*store.SessionEntry, len(m.entries))
	for k, v := range m.entries {
		work[k] = v.Clone()
	}
	if err := fn(work); err != nil {
		return err
	}
	m.entries = work
	return nil
}

func (m *memSessions) entry(key string) *store.SessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].Clone()
}

type memTranscripts struct {
	mu   sync.Mutex
	msgs map[string][]providers.Message
}

func newMemTranscripts() *memTranscripts {
	return &memTranscripts{msgs: make(map[string][]providers.Message)}
}

func (m *memTranscripts) Load(_ context.Context, id string) ([]providers.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.Message(nil), m.msgs[id]...), nil
}

func (m *memTranscripts) Append(_ context.Context, id string, msgs ...providers.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[id] = append(m.msgs[id], msgs...)
	return nil
}

func (m *memTranscripts) Replace(_ context.Context, id string, msgs []providers.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[id] = append([]providers.Message(nil), msgs...)
	return nil
}

func (m *memTranscripts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
	return nil
}

func (m *memTranscripts) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.msgs[id]
	return ok
}

type backendFunc func(ctx context.Context, a *Attempt) (*RunResult, error)

func (f backendFunc) Run(ctx context.Context, a *Attempt) (*RunResult, error) { return f(ctx, a) }

// lifecycleRecorder collects lifecycle phases from the event bus.
type lifecycleRecorder struct {
	mu     sync.Mutex
	phases []string
}

func recordLifecycle(events *bus.AgentEvents) *lifecycleRecorder {
	rec := &lifecycleRecorder{}
	events.Subscribe(bus.AllRuns, func(evt bus.AgentEvent) {
		if evt.Stream != "lifecycle" {
			return
		}
		rec.mu.Lock()
		rec.phases = append(rec.phases, evt.Data["phase"].(string))
		rec.mu.Unlock()
	})
	return rec
}

func (r *lifecycleRecorder) count(phase string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.phases {
		if p == phase {
			n++
		}
	}
	return n
}

type scriptedProvider struct {
	name      string
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []providers.ChatRequest
}

type scriptedResponse struct {
	resp *providers.ChatResponse
	err  error
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(_ context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted response")
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	p.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if onChunk != nil && r.resp.Content != "" {
		onChunk(providers.StreamChunk{Content: r.resp.Content})
	}
	return r.resp, nil
}
