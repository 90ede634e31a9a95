package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"calsync/internal/models"
)

// Calls counts the operations a Memory backend has served.
type Calls struct {
	FetchChanges int
	FetchWindow  int
	Lookup       int
	Create       int
	Update       int
	Delete       int
}

// Mutations returns the number of write calls, failed ones included.
func (c Calls) Mutations() int {
	return c.Create + c.Update + c.Delete
}

// Memory is an in-process Backend. Every write, whether made through the
// Backend methods or through Put and Remove, is appended to a change log that
// FetchChanges replays; the cursor is an offset into that log.
type Memory struct {
	mu       sync.Mutex
	kind     models.Kind
	events   map[string]models.Event
	changes  []models.Event
	failures map[string]error
	calls    Calls
	PageSize int
}

func NewMemory(kind models.Kind) *Memory {
	return &Memory{
		kind:     kind,
		events:   map[string]models.Event{},
		failures: map[string]error{},
		PageSize: 50,
	}
}

// Put stores event without counting a call, as an external client would.
func (m *Memory) Put(event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(event)
}

// Remove deletes uid without counting a call, as an external client would.
func (m *Memory) Remove(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(uid)
}

// Get returns the stored event for uid.
func (m *Memory) Get(uid string) (models.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[uid]
	return e, ok
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// FailOn makes the next and every following op on uid return err.
// An empty uid matches calls that carry no UID, such as fetches.
func (m *Memory) FailOn(op Op, uid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(op, uid)] = err
}

// ClearFailures removes all injected failures.
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = map[string]error{}
}

// Calls returns a snapshot of the call counters.
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = Calls{}
}

func (m *Memory) Kind() models.Kind {
	return m.kind
}

func (m *Memory) FetchChanges(_ context.Context, cursor string) (ChangeFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.FetchChanges++
	if err := m.failure(OpFetchChanges, ""); err != nil {
		return nil, err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(m.changes) {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}

	// Snapshot so writes made while the feed is consumed show up next time.
	changes := make([]models.Event, len(m.changes)-offset)
	copy(changes, m.changes[offset:])
	end := strconv.Itoa(len(m.changes))
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = len(changes) + 1
	}

	return NewPager(func(_ context.Context, pageToken string) (Page, error) {
		start := 0
		if pageToken != "" {
			start, _ = strconv.Atoi(pageToken)
		}
		stop := min(start+pageSize, len(changes))
		page := Page{Events: changes[start:stop]}
		if stop < len(changes) {
			page.NextPageToken = strconv.Itoa(stop)
		} else {
			page.NextCursor = end
		}
		return page, nil
	}), nil
}

func (m *Memory) FetchWindow(_ context.Context, since time.Time) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.FetchWindow++
	if err := m.failure(OpFetchWindow, ""); err != nil {
		return nil, err
	}

	var events []models.Event
	for _, e := range m.events {
		if e.EndsAtOrAfter(since) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

func (m *Memory) LookupByUID(_ context.Context, uid string) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Lookup++
	if err := m.failure(OpLookup, uid); err != nil {
		return models.Event{}, err
	}

	e, ok := m.events[uid]
	if !ok {
		return models.Event{}, fmt.Errorf("lookup %s: %w", uid, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) Create(_ context.Context, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Create++
	if err := m.failure(OpCreate, event.UID); err != nil {
		return err
	}
	if _, ok := m.events[event.UID]; ok {
		return fmt.Errorf("event %s already exists", event.UID)
	}
	m.store(event)
	return nil
}

func (m *Memory) Update(_ context.Context, uid string, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Update++
	if err := m.failure(OpUpdate, uid); err != nil {
		return err
	}
	if _, ok := m.events[uid]; !ok {
		return fmt.Errorf("update %s: %w", uid, ErrNotFound)
	}
	event.UID = uid
	m.store(event)
	return nil
}

func (m *Memory) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Delete++
	if err := m.failure(OpDelete, uid); err != nil {
		return err
	}
	if _, ok := m.events[uid]; !ok {
		return fmt.Errorf("delete %s: %w", uid, ErrNotFound)
	}
	m.remove(uid)
	return nil
}

func (m *Memory) store(event models.Event) {
	event.Source = m.kind
	if event.Status == "" {
		event.Status = models.StatusConfirmed
	}
	m.events[event.UID] = event
	m.changes = append(m.changes, event)
}

func (m *Memory) remove(uid string) {
	e, ok := m.events[uid]
	if !ok {
		e = models.Event{UID: uid, Source: m.kind}
	}
	delete(m.events, uid)
	e.Status = models.StatusCancelled
	m.changes = append(m.changes, e)
}

func (m *Memory) failure(op Op, uid string) error {
	return m.failures[failureKey(op, uid)]
}

func failureKey(op Op, uid string) string {
	return string(op) + ":" + uid
}
