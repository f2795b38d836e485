package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := Open(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Update(ctx, func(m map[string]*store.SessionEntry) error {
		m["a"] = &store.SessionEntry{SessionID: "s1", TotalTokens: 10, UpdatedAt: 1}
		m["b"] = &store.SessionEntry{SessionID: "s2", UpdatedAt: 2}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = s.Update(ctx, func(m map[string]*store.SessionEntry) error {
		m["a"].TotalTokens += 5
		delete(m, "b")
		return nil
	})
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}

	all, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 1 || all["a"].TotalTokens != 15 {
		t.Fatalf("unexpected entries: %+v", all)
	}
	got, err := s.Get(ctx, "b")
	if err != nil || got != nil {
		t.Fatalf("deleted entry still present: %+v, %v", got, err)
	}
}

func TestSQLiteUpdateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(m map[string]*store.SessionEntry) error {
		m["a"] = &store.SessionEntry{SessionID: "s1"}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := s.Get(ctx, "a"); got != nil {
		t.Fatalf("entry written despite error: %+v", got)
	}
}

func TestRebind(t *testing.T) {
	pg := &SessionStore{dialect: DialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SessionStore{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", ""); err == nil {
		t.Fatal("expected error")
	}
}
