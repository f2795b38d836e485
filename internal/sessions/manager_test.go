package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

func TestManagerUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	err = m.Update(func(entries map[string]*store.SessionEntry) error {
		entries["agent:default:webchat:direct:c1"] = &store.SessionEntry{SessionID: "s1", LastChannel: "webchat"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A fresh manager on the same dir sees the write.
	m2, _ := NewManager(dir)
	all, err := m2.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if e := all["agent:default:webchat:direct:c1"]; e == nil || e.SessionID != "s1" {
		t.Fatalf("entry not persisted: %+v", all)
	}

	if _, err := os.Stat(filepath.Join(dir, storeFileName+".lock")); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file should be released after Update")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestManagerUpdateErrorKeepsFile(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	m.Update(func(e map[string]*store.SessionEntry) error {
		e["k"] = &store.SessionEntry{SessionID: "keep"}
		return nil
	})

	boom := errors.New("boom")
	err := m.Update(func(e map[string]*store.SessionEntry) error {
		delete(e, "k")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	all, _ := m.ReadAll()
	if all["k"] == nil {
		t.Fatal("failed update must not be written")
	}
}

func TestManagerBreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir)
	lockPath := filepath.Join(dir, storeFileName+".lock")
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * lockStaleAfter)
	os.Chtimes(lockPath, old, old)

	if err := m.Update(func(map[string]*store.SessionEntry) error { return nil }); err != nil {
		t.Fatalf("stale lock should be broken: %v", err)
	}
}
