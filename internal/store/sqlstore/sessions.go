// Package sqlstore implements store.SessionStore on database/sql, backed
// by SQLite (modernc.org/sqlite) or PostgreSQL (pgx stdlib driver).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS session_entries (
	session_key TEXT PRIMARY KEY,
	entry       TEXT NOT NULL,
	updated_at  BIGINT NOT NULL
)`

// advisory lock id serializing Update across gateway processes on postgres.
const pgLockID = 7_311_402

// SessionStore stores one JSON-encoded SessionEntry per row.
type SessionStore struct {
	db      *sql.DB
	dialect string
}

// Open connects, creates the table if needed and returns the store.
func Open(ctx context.Context, dialect, dsn string) (*SessionStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer connection; SQLite serializes writers anyway and this
		// avoids SQLITE_BUSY between our own transactions.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: create schema: %w", err)
	}
	return &SessionStore{db: db, dialect: dialect}, nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SessionStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SessionStore) loadFrom(ctx context.Context, q queryer) (map[string]*store.SessionEntry, map[string]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT session_key, entry FROM session_entries")
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: select: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*store.SessionEntry)
	raw := make(map[string]string)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		var e store.SessionEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, nil, fmt.Errorf("sqlstore: decode %s: %w", key, err)
		}
		entries[key] = &e
		raw[key] = data
	}
	return entries, raw, rows.Err()
}

func (s *SessionStore) Load(ctx context.Context) (map[string]*store.SessionEntry, error) {
	entries, _, err := s.loadFrom(ctx, s.db)
	return entries, err
}

func (s *SessionStore) Get(ctx context.Context, key string) (*store.SessionEntry, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT entry FROM session_entries WHERE session_key = ?"), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", key, err)
	}
	var e store.SessionEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("sqlstore: decode %s: %w", key, err)
	}
	return &e, nil
}

// Update loads every row inside one transaction, applies fn and writes
// back only the rows that changed.
func (s *SessionStore) Update(ctx context.Context, fn func(map[string]*store.SessionEntry) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", pgLockID); err != nil {
			return fmt.Errorf("sqlstore: lock: %w", err)
		}
	}

	entries, before, err := s.loadFrom(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(entries); err != nil {
		return err
	}

	upsert := s.rebind(`INSERT INTO session_entries (session_key, entry, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`)
	for key, e := range entries {
		if e == nil {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if before[key] == string(data) {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsert, key, string(data), e.UpdatedAt); err != nil {
			return fmt.Errorf("sqlstore: upsert %s: %w", key, err)
		}
	}
	del := s.rebind("DELETE FROM session_entries WHERE session_key = ?")
	for key := range before {
		if e, ok := entries[key]; ok && e != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, del, key); err != nil {
			return fmt.Errorf("sqlstore: delete %s: %w", key, err)
		}
	}
	return tx.Commit()
}

var _ store.SessionStore = (*SessionStore)(nil)
