// Package backend defines the capability set the sync engine expects from a
// calendar provider, the error taxonomy adapters map their failures onto, and
// decorators shared by every adapter.
package backend

import (
	"context"
	"errors"
	"time"

	"calsync/internal/models"
)

var (
	// ErrNotFound is returned when no event with the requested UID exists.
	ErrNotFound = errors.New("event not found")
	// ErrPermissionDenied is returned when access to a single item is refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable is returned for network and other systemic failures.
	ErrUnavailable = errors.New("backend unavailable")
)

// Op names a backend call. It is used in log fields and fault injection.
type Op string

const (
	OpFetchChanges Op = "fetch_changes"
	OpFetchWindow  Op = "fetch_window"
	OpLookup       Op = "lookup"
	OpCreate       Op = "create"
	OpUpdate       Op = "update"
	OpDelete       Op = "delete"
)

// Backend is implemented by every calendar adapter.
type Backend interface {
	Kind() models.Kind
	// FetchChanges opens an incremental change feed starting at cursor.
	// An empty cursor requests a full resync.
	FetchChanges(ctx context.Context, cursor string) (ChangeFeed, error)
	// FetchWindow returns every event ending at or after since.
	FetchWindow(ctx context.Context, since time.Time) ([]models.Event, error)
	// LookupByUID returns ErrNotFound when the event does not exist.
	LookupByUID(ctx context.Context, uid string) (models.Event, error)
	Create(ctx context.Context, event models.Event) error
	Update(ctx context.Context, uid string, event models.Event) error
	Delete(ctx context.Context, uid string) error
}

// ChangeFeed is a lazy, single-pass sequence of changed events.
//
// Next returns ok=false once the feed is exhausted. Cursor is only meaningful
// after that point; a feed cannot be resumed mid-page, callers restart it by
// passing the previous cursor to FetchChanges again.
type ChangeFeed interface {
	Next(ctx context.Context) (event models.Event, ok bool, err error)
	Cursor() string
}

// IsRetryable reports whether err denotes a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
