package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"calsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, feed ChangeFeed) []models.Event {
	t.Helper()
	var events []models.Event
	for {
		e, ok, err := feed.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return events
		}
		events = append(events, e)
	}
}

func TestMemory_ChangeFeedResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(models.KindGoogle)
	m.PageSize = 2
	m.Put(models.Event{UID: "a", Summary: "first"})
	m.Put(models.Event{UID: "b"})
	m.Put(models.Event{UID: "c"})

	feed, err := m.FetchChanges(ctx, "")
	require.NoError(t, err)
	assert.Len(t, drain(t, feed), 3)
	cursor := feed.Cursor()
	assert.Equal(t, "3", cursor)

	m.Put(models.Event{UID: "a", Summary: "second"})
	m.Remove("b")

	feed, err = m.FetchChanges(ctx, cursor)
	require.NoError(t, err)
	changes := drain(t, feed)
	require.Len(t, changes, 2)
	assert.Equal(t, "second", changes[0].Summary)
	assert.Equal(t, "b", changes[1].UID)
	assert.True(t, changes[1].Cancelled())
}

func TestMemory_WindowAndLookup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(models.KindCalDAV)
	m.Put(models.Event{UID: "past", Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)})
	m.Put(models.Event{UID: "ongoing", Start: now.Add(-time.Hour), End: now.Add(time.Hour)})

	events, err := m.FetchWindow(ctx, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ongoing", events[0].UID)

	_, err = m.LookupByUID(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, m.Calls().Lookup)
	assert.Equal(t, 0, m.Calls().Mutations())
}

func TestMemory_FailOn(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(models.KindCalDAV)
	m.FailOn(OpCreate, "bad", ErrUnavailable)

	assert.True(t, errors.Is(m.Create(ctx, models.Event{UID: "bad"}), ErrUnavailable))
	assert.NoError(t, m.Create(ctx, models.Event{UID: "good"}))
	assert.Equal(t, 2, m.Calls().Create)

	m.ClearFailures()
	assert.NoError(t, m.Create(ctx, models.Event{UID: "bad"}))
}

func TestDryRun_SkipsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(models.KindCalDAV)
	m.Put(models.Event{UID: "a"})
	d := NewDryRun(m, testLogger())

	require.NoError(t, d.Create(ctx, models.Event{UID: "b"}))
	require.NoError(t, d.Update(ctx, "a", models.Event{UID: "a", Summary: "changed"}))
	require.NoError(t, d.Delete(ctx, "a"))

	got, err := d.LookupByUID(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got.Summary)
	assert.Equal(t, 0, m.Calls().Mutations())
	assert.Equal(t, 1, m.Len())
}
