package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"calsync/internal/backend"
	"calsync/internal/models"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const pageSize = 250

// CalendarClient exposes one Google calendar as a backend.Backend.
type CalendarClient struct {
	service    *calendar.Service
	calendarID string
	loc        *time.Location
	logger     logrus.FieldLogger
}

// NewClient creates a Google Calendar client authenticated through creds.
// loc is used for all-day dates when the API does not report a calendar zone.
func NewClient(ctx context.Context, logger logrus.FieldLogger, creds CredentialProvider, calendarID string, loc *time.Location) (*CalendarClient, error) {
	ts, err := creds.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get google credentials: %w", err)
	}
	service, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewCalendarClient(service, calendarID, loc, logger), nil
}

// NewClientFromHTTP creates a client from a pre-configured HTTP client and
// API endpoint.
func NewClientFromHTTP(ctx context.Context, logger logrus.FieldLogger, httpClient *http.Client, endpoint, calendarID string, loc *time.Location) (*CalendarClient, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewCalendarClient(service, calendarID, loc, logger), nil
}

func NewCalendarClient(service *calendar.Service, calendarID string, loc *time.Location, logger logrus.FieldLogger) *CalendarClient {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarClient{
		service:    service,
		calendarID: calendarID,
		loc:        loc,
		logger:     logger.WithFields(logrus.Fields{"backend": models.KindGoogle, "calendar": calendarID}),
	}
}

func (c *CalendarClient) Kind() models.Kind {
	return models.KindGoogle
}

// FetchChanges lists the calendar incrementally from a sync token. Deleted
// events are included with status cancelled. A sync token the API no longer
// accepts restarts the listing as a full resync.
func (c *CalendarClient) FetchChanges(_ context.Context, cursor string) (backend.ChangeFeed, error) {
	syncToken := cursor
	return backend.NewPager(func(ctx context.Context, pageToken string) (backend.Page, error) {
		res, err := c.listChanges(ctx, syncToken, pageToken)
		if err != nil && syncToken != "" && pageToken == "" && isGone(err) {
			c.logger.Warn("Sync token expired, running a full resync.")
			syncToken = ""
			res, err = c.listChanges(ctx, syncToken, pageToken)
		}
		if err != nil {
			return backend.Page{}, classify(backend.OpFetchChanges, err)
		}

		events, err := c.toInternalEvents(res)
		if err != nil {
			return backend.Page{}, err
		}
		c.logger.WithField("count", len(events)).Debug("Fetched page of changes.")
		return backend.Page{
			Events:        events,
			NextPageToken: res.NextPageToken,
			NextCursor:    res.NextSyncToken,
		}, nil
	}), nil
}

func (c *CalendarClient) listChanges(ctx context.Context, syncToken, pageToken string) (*calendar.Events, error) {
	call := c.service.Events.List(c.calendarID).
		ShowDeleted(true).
		MaxResults(pageSize).
		Context(ctx)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

// FetchWindow returns every event ending at or after since.
func (c *CalendarClient) FetchWindow(ctx context.Context, since time.Time) ([]models.Event, error) {
	var events []models.Event
	err := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		TimeMin(since.Format(time.RFC3339)).
		MaxResults(pageSize).
		Pages(ctx, func(page *calendar.Events) error {
			converted, err := c.toInternalEvents(page)
			if err != nil {
				return err
			}
			for _, e := range converted {
				// timeMin drops events ending exactly at since. Those are
				// still reached through LookupByUID.
				if e.EndsAtOrAfter(since) {
					events = append(events, e)
				}
			}
			return nil
		})
	if err != nil {
		return nil, classify(backend.OpFetchWindow, err)
	}

	c.logger.WithField("count", len(events)).Info("Successfully fetched events from Google Calendar")
	return events, nil
}

func (c *CalendarClient) LookupByUID(ctx context.Context, uid string) (models.Event, error) {
	item, loc, err := c.lookup(ctx, uid)
	if err != nil {
		return models.Event{}, err
	}
	return FromGoogle(item, loc)
}

// Create imports the event so that Google keeps its iCalendar UID.
func (c *CalendarClient) Create(ctx context.Context, event models.Event) error {
	_, err := c.service.Events.Import(c.calendarID, ToGoogle(event)).Context(ctx).Do()
	if err != nil {
		return classify(backend.OpCreate, err)
	}
	c.logger.WithField("uid", event.UID).Info("Created event in Google Calendar")
	return nil
}

func (c *CalendarClient) Update(ctx context.Context, uid string, event models.Event) error {
	item, _, err := c.lookup(ctx, uid)
	if err != nil {
		return err
	}
	event.UID = uid
	overwrite(item, ToGoogle(event))

	_, err = c.service.Events.Update(c.calendarID, item.Id, item).Context(ctx).Do()
	if err != nil {
		return classify(backend.OpUpdate, err)
	}
	c.logger.WithField("uid", uid).Info("Updated event in Google Calendar")
	return nil
}

func (c *CalendarClient) Delete(ctx context.Context, uid string) error {
	item, _, err := c.lookup(ctx, uid)
	if err != nil {
		return err
	}
	if err := c.service.Events.Delete(c.calendarID, item.Id).Context(ctx).Do(); err != nil {
		return classify(backend.OpDelete, err)
	}
	c.logger.WithField("uid", uid).Info("Deleted event from Google Calendar")
	return nil
}

// lookup finds the raw event carrying uid. Events whose UID was synthesized
// from their id are found by id.
func (c *CalendarClient) lookup(ctx context.Context, uid string) (*calendar.Event, *time.Location, error) {
	res, err := c.service.Events.List(c.calendarID).
		ICalUID(uid).
		ShowDeleted(false).
		Context(ctx).
		Do()
	if err != nil {
		return nil, nil, classify(backend.OpLookup, err)
	}
	loc := c.zone(res.TimeZone)
	for _, item := range res.Items {
		// The master of a recurring series carries no recurringEventId.
		if item.RecurringEventId == "" {
			return item, loc, nil
		}
	}
	if len(res.Items) > 0 {
		return res.Items[0], loc, nil
	}

	if id, ok := syntheticID(uid); ok {
		item, err := c.service.Events.Get(c.calendarID, id).Context(ctx).Do()
		if err != nil {
			return nil, nil, classify(backend.OpLookup, err)
		}
		if item.Status != "cancelled" {
			return item, loc, nil
		}
	}
	return nil, nil, fmt.Errorf("google lookup %s: %w", uid, backend.ErrNotFound)
}

// toInternalEvents converts Google Calendar events to the internal Event model.
// Modified or cancelled occurrences of a recurring series share the master's
// iCalUID and are skipped; only the master is synced.
func (c *CalendarClient) toInternalEvents(page *calendar.Events) ([]models.Event, error) {
	loc := c.zone(page.TimeZone)
	events := make([]models.Event, 0, len(page.Items))
	for _, item := range page.Items {
		if item.RecurringEventId != "" {
			c.logger.WithField("id", item.Id).Debug("Skipping occurrence of a recurring event.")
			continue
		}
		event, err := FromGoogle(item, loc)
		if err != nil {
			c.logger.WithField("id", item.Id).Errorf("Failed to convert event: %v", err)
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// zone returns the calendar's declared time zone, falling back to the
// configured one.
func (c *CalendarClient) zone(name string) *time.Location {
	if name == "" {
		return c.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		c.logger.WithField("timeZone", name).Warn("Unknown calendar time zone, using configured zone.")
		return c.loc
	}
	return loc
}

// CalendarInfo describes one calendar on the user's calendar list.
type CalendarInfo struct {
	ID      string
	Summary string
	Primary bool
}

// DiscoverCalendars lists all calendars of the authenticated account.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var calendars []CalendarInfo
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			calendars = append(calendars, CalendarInfo{ID: item.Id, Summary: item.Summary, Primary: item.Primary})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", classify(backend.OpFetchWindow, err))
	}
	return calendars, nil
}

func syntheticID(uid string) (string, bool) {
	const suffix = "@google.com"
	if len(uid) > len(suffix) && uid[len(uid)-len(suffix):] == suffix {
		return uid[:len(uid)-len(suffix)], true
	}
	return "", false
}
