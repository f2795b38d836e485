package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// Transcripts stores message history as one JSONL file per session id.
type Transcripts struct {
	mu  sync.Mutex
	dir string
}

// NewTranscripts creates a transcript store under dir.
func NewTranscripts(dir string) (*Transcripts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	return &Transcripts{dir: dir}, nil
}

// Path returns the transcript file for sessionID.
func (t *Transcripts) Path(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || strings.ContainsAny(sessionID, `/\`) || !filepath.IsLocal(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(t.dir, sessionID+".jsonl"), nil
}

func (t *Transcripts) Load(_ context.Context, sessionID string) ([]providers.Message, error) {
	path, err := t.Path(sessionID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []providers.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var m providers.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", store.ErrCorruptTranscript, filepath.Base(path), line, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptTranscript, err)
	}
	return msgs, nil
}

func (t *Transcripts) Append(_ context.Context, sessionID string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	path, err := t.Path(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Replace rewrites the whole transcript atomically.
func (t *Transcripts) Replace(_ context.Context, sessionID string, msgs []providers.Message) error {
	path, err := t.Path(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tmp, err := os.CreateTemp(t.dir, "transcript-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	enc := json.NewEncoder(tmp)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (t *Transcripts) Delete(_ context.Context, sessionID string) error {
	path, err := t.Path(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ store.TranscriptStore = (*Transcripts)(nil)
