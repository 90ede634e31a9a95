// Package state persists the change-feed position of each calendar pair.
package state

import (
	"context"
	"fmt"
	"time"
)

// SyncState is the resume point of one calendar pair's change feed.
// An empty Cursor means the next pull is a full resync.
type SyncState struct {
	Cursor       string    `json:"cursor,omitempty"`
	LastSyncTime time.Time `json:"lastSyncTime"`
}

// Store loads and saves SyncState values. Load returns the zero SyncState
// for a key that was never saved.
type Store interface {
	Load(ctx context.Context, key string) (SyncState, error)
	Save(ctx context.Context, key string, s SyncState) error
	Close() error
}

// PairKey builds the key identifying a source/target calendar pair.
func PairKey(source, target string) string {
	return fmt.Sprintf("%s|%s", source, target)
}

// Open returns the Store for driver, either "file" or "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state driver %q", driver)
	}
}

// ReadOnly wraps a Store so that Save is a no-op. Dry runs use it to keep the
// stored cursor where it was.
func ReadOnly(s Store) Store {
	return readOnly{s}
}

type readOnly struct {
	Store
}

func (readOnly) Save(context.Context, string, SyncState) error {
	return nil
}
