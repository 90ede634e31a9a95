package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps one row per calendar pair.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (SyncState, error) {
	var cursor, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, last_sync_time FROM sync_state WHERE pair_key = ?`, key,
	).Scan(&cursor, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("failed to load sync state for %s: %w", key, err)
	}

	st := SyncState{Cursor: cursor}
	if last != "" {
		st.LastSyncTime, err = time.Parse(time.RFC3339Nano, last)
		if err != nil {
			return SyncState{}, fmt.Errorf("failed to parse last sync time %q: %w", last, err)
		}
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, st SyncState) error {
	var last string
	if !st.LastSyncTime.IsZero() {
		last = st.LastSyncTime.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (pair_key, cursor, last_sync_time) VALUES (?, ?, ?)
		ON CONFLICT(pair_key) DO UPDATE SET cursor = excluded.cursor, last_sync_time = excluded.last_sync_time`,
		key, st.Cursor, last)
	if err != nil {
		return fmt.Errorf("failed to save sync state for %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
