package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

const (
	storeFileName  = "sessions.json"
	lockStaleAfter = 30 * time.Second
	lockRetryEvery = 25 * time.Millisecond
	lockWaitMax    = 10 * time.Second
)

// ErrLockTimeout is returned when the store lock cannot be acquired.
var ErrLockTimeout = errors.New("sessions: timed out waiting for store lock")

// Manager persists the session map as a single JSON file. Every Update
// re-reads the file under an advisory lock file and writes the result back
// with a temp-file rename, so concurrent processes never see a torn file.
type Manager struct {
	mu      sync.Mutex
	storage string
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{storage: dir}, nil
}

// Dir returns the storage directory.
func (m *Manager) Dir() string { return m.storage }

func (m *Manager) path() string { return filepath.Join(m.storage, storeFileName) }

// ReadAll returns the current map from disk.
func (m *Manager) ReadAll() (map[string]*store.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

// Update runs fn against the on-disk map and saves the result.
func (m *Manager) Update(fn func(map[string]*store.SessionEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entries, err := m.read()
	if err != nil {
		return err
	}
	if err := fn(entries); err != nil {
		return err
	}
	return m.save(entries)
}

func (m *Manager) read() (map[string]*store.SessionEntry, error) {
	entries := make(map[string]*store.SessionEntry)
	data, err := os.ReadFile(m.path())
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode session store: %w", err)
	}
	for k, v := range entries {
		if v == nil {
			delete(entries, k)
		}
	}
	return entries, nil
}

// save writes entries atomically: temp file, fsync, rename.
func (m *Manager) save(entries map[string]*store.SessionEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(m.storage, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, m.path()); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// lock takes the cross-process advisory lock. A lock file older than
// lockStaleAfter is assumed to belong to a crashed process and removed.
func (m *Manager) lock() (func(), error) {
	lockPath := m.path() + ".lock"
	deadline := time.Now().Add(lockWaitMax)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create store lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryEvery)
	}
}
