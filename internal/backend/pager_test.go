package backend

import (
	"context"
	"errors"
	"testing"

	"calsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPager_WalksAllPages(t *testing.T) {
	pages := map[string]Page{
		"":   {Events: []models.Event{{UID: "a"}, {UID: "b"}}, NextPageToken: "p2"},
		"p2": {Events: nil, NextPageToken: "p3"},
		"p3": {Events: []models.Event{{UID: "c"}}, NextCursor: "sync-1"},
	}
	var fetched []string
	p := NewPager(func(_ context.Context, token string) (Page, error) {
		fetched = append(fetched, token)
		return pages[token], nil
	})

	ctx := context.Background()
	var uids []string
	for {
		assert.Empty(t, p.Cursor(), "cursor must stay hidden until the feed is exhausted")
		e, ok, err := p.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		uids = append(uids, e.UID)
	}

	assert.Equal(t, []string{"a", "b", "c"}, uids)
	assert.Equal(t, []string{"", "p2", "p3"}, fetched)
	assert.Equal(t, "sync-1", p.Cursor())

	_, ok, err := p.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPager_RetriesFailedPage(t *testing.T) {
	failures := 1
	p := NewPager(func(_ context.Context, token string) (Page, error) {
		if token == "p2" && failures > 0 {
			failures--
			return Page{}, ErrUnavailable
		}
		if token == "" {
			return Page{Events: []models.Event{{UID: "a"}}, NextPageToken: "p2"}, nil
		}
		return Page{Events: []models.Event{{UID: "b"}}, NextCursor: "done"}, nil
	})
	ctx := context.Background()

	e, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", e.UID)

	_, _, err = p.Next(ctx)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Empty(t, p.Cursor())

	e, ok, err = p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", e.UID)

	_, ok, _ = p.Next(ctx)
	assert.False(t, ok)
	assert.Equal(t, "done", p.Cursor())
}
