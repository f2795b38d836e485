package autoreply

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is the cancel cause of a run stopped by /stop.
var ErrStopped = errors.New("run stopped by user")

// ErrInterrupted is the cancel cause of a run replaced by a newer message
// in interrupt mode.
var ErrInterrupted = errors.New("run interrupted by newer message")

type activeRun struct {
	runID  string
	cancel context.CancelCauseFunc
}

// ActiveRuns tracks the in-flight run of each session so it can be aborted.
type ActiveRuns struct {
	mu   sync.Mutex
	runs map[string]activeRun
}

// NewActiveRuns creates an empty registry.
func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{runs: make(map[string]activeRun)}
}

func (a *ActiveRuns) register(sessionKey, runID string, cancel context.CancelCauseFunc) {
	a.mu.Lock()
	a.runs[sessionKey] = activeRun{runID: runID, cancel: cancel}
	a.mu.Unlock()
}

func (a *ActiveRuns) done(sessionKey, runID string) {
	a.mu.Lock()
	if r, ok := a.runs[sessionKey]; ok && r.runID == runID {
		delete(a.runs, sessionKey)
	}
	a.mu.Unlock()
}

// Abort cancels the active run of sessionKey with cause. It reports
// whether a run was active.
func (a *ActiveRuns) Abort(sessionKey string, cause error) bool {
	a.mu.Lock()
	r, ok := a.runs[sessionKey]
	a.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(cause)
	return true
}

// AbortRun cancels the active run of sessionKey only if it is still runID.
func (a *ActiveRuns) AbortRun(sessionKey, runID string, cause error) bool {
	a.mu.Lock()
	r, ok := a.runs[sessionKey]
	a.mu.Unlock()
	if !ok || r.runID != runID {
		return false
	}
	r.cancel(cause)
	return true
}

// RunID returns the active run id of sessionKey, if any.
func (a *ActiveRuns) RunID(sessionKey string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[sessionKey]
	return r.runID, ok
}

// Len returns the number of active runs.
func (a *ActiveRuns) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}
