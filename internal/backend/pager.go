package backend

import (
	"context"

	"calsync/internal/models"
)

// Page is one response of a paged change listing.
type Page struct {
	Events        []models.Event
	NextPageToken string // empty on the last page
	NextCursor    string // resume cursor, reported with the last page
}

// PageFunc fetches the page identified by pageToken; the first page has an
// empty token.
type PageFunc func(ctx context.Context, pageToken string) (Page, error)

// Pager turns a PageFunc into a ChangeFeed. A failed page fetch leaves the
// pager where it was, so calling Next again retries the same page.
type Pager struct {
	fetch     PageFunc
	buf       []models.Event
	pageToken string
	done      bool
	cursor    string
}

// NewPager creates a Pager positioned before the first page.
func NewPager(fetch PageFunc) *Pager {
	return &Pager{fetch: fetch}
}

// Next returns the next event, fetching further pages as needed.
func (p *Pager) Next(ctx context.Context) (models.Event, bool, error) {
	for len(p.buf) == 0 {
		if p.done {
			return models.Event{}, false, nil
		}
		page, err := p.fetch(ctx, p.pageToken)
		if err != nil {
			return models.Event{}, false, err
		}
		p.buf = page.Events
		if page.NextPageToken == "" {
			p.done = true
			p.cursor = page.NextCursor
		} else {
			p.pageToken = page.NextPageToken
		}
	}

	event := p.buf[0]
	p.buf = p.buf[1:]
	return event, true, nil
}

// Cursor returns the resume cursor once the feed is exhausted, or "" before.
func (p *Pager) Cursor() string {
	if !p.done {
		return ""
	}
	return p.cursor
}
