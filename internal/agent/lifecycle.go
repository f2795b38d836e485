package agent

import (
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// Emitter publishes events for one attempt and guarantees a single
// terminal lifecycle event.
type Emitter struct {
	events     bus.EventPublisher
	runID      string
	sessionKey string

	mu         sync.Mutex
	terminated bool
}

func newEmitter(events bus.EventPublisher, runID, sessionKey string) *Emitter {
	return &Emitter{events: events, runID: runID, sessionKey: sessionKey}
}

func (e *Emitter) emit(stream string, data map[string]any) {
	if e == nil || e.events == nil {
		return
	}
	e.events.Emit(bus.AgentEvent{RunID: e.runID, Stream: stream, SessionKey: e.sessionKey, Data: data})
}

// Start emits the lifecycle start event.
func (e *Emitter) Start(provider, model string) {
	e.emit(protocol.StreamLifecycle, map[string]any{"phase": protocol.PhaseStart, "provider": provider, "model": model})
}

// End emits the terminal success event. Later terminal calls are ignored.
func (e *Emitter) End(data map[string]any) {
	if !e.markTerminal() {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["phase"] = protocol.PhaseEnd
	e.emit(protocol.StreamLifecycle, data)
}

// Error emits the terminal failure event. Later terminal calls are ignored.
func (e *Emitter) Error(msg string) {
	if !e.markTerminal() {
		return
	}
	e.emit(protocol.StreamLifecycle, map[string]any{"phase": protocol.PhaseError, "error": msg})
}

// Assistant emits a streamed text delta.
func (e *Emitter) Assistant(delta string) {
	e.emit(protocol.StreamAssistant, map[string]any{"delta": delta})
}

// Tool emits a tool call phase.
func (e *Emitter) Tool(phase, name, callID string, isError bool) {
	data := map[string]any{"phase": phase, "name": name, "toolCallId": callID}
	if phase == protocol.ToolPhaseResult {
		data["isError"] = isError
	}
	e.emit(protocol.StreamTool, data)
}

// Compaction emits a history compaction phase.
func (e *Emitter) Compaction(phase string) {
	e.emit(protocol.StreamCompaction, map[string]any{"phase": phase})
}

// Terminated reports whether End or Error was emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Emitter) markTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	e.terminated = true
	return true
}

// guardTerminal is deferred around each attempt. If the backend unwound
// without a terminal event, an error event is emitted so subscribers
// waiting on the run never hang.
func (e *Emitter) guardTerminal(err error) {
	if e.Terminated() {
		return
	}
	msg := "run ended without a terminal event"
	if err != nil {
		msg = SanitizeErrorText(err.Error())
	}
	e.Error(msg)
}
