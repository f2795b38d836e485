package file

import (
	"context"

	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// FileSessionStore wraps sessions.Manager to implement store.SessionStore.
type FileSessionStore struct {
	mgr *sessions.Manager
}

func NewFileSessionStore(mgr *sessions.Manager) *FileSessionStore {
	return &FileSessionStore{mgr: mgr}
}

// Manager returns the underlying sessions.Manager.
func (f *FileSessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *FileSessionStore) Load(ctx context.Context) (map[string]*store.SessionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.mgr.ReadAll()
}

func (f *FileSessionStore) Get(ctx context.Context, key string) (*store.SessionEntry, error) {
	entries, err := f.Load(ctx)
	if err != nil {
		return nil, err
	}
	return entries[key].Clone(), nil
}

func (f *FileSessionStore) Update(ctx context.Context, fn func(map[string]*store.SessionEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.mgr.Update(fn)
}

var _ store.SessionStore = (*FileSessionStore)(nil)
