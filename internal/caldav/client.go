// Package caldav exposes one calendar collection on a CalDAV server as a
// backend.Backend.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"calsync/internal/backend"
	"calsync/internal/clock"
	"calsync/internal/models"

	"github.com/emersion/go-ical"
	dav "github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEndpoint is the iCloud CalDAV endpoint.
	DefaultEndpoint = "https://caldav.icloud.com/"

	pathCacheSize = 4096
	// The change feed has no upper bound, the window query needs one.
	windowHorizon = 10 * 365 * 24 * time.Hour
)

var safeObjectName = regexp.MustCompile(`^[A-Za-z0-9@._-]+$`)

// Options configures a Client.
type Options struct {
	Endpoint string
	Username string
	Password string
	// Calendar is either a collection path starting with "/" or the display
	// name of one of the user's calendars.
	Calendar string
	// Location is used for floating times and all-day dates.
	Location *time.Location
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is a client for interacting with a CalDAV server.
type Client struct {
	caldavClient *dav.Client
	calendarPath string
	loc          *time.Location
	clock        clock.Clock
	logger       logrus.FieldLogger
	paths        *lru.Cache[string, string]
}

// NewClient creates a Client and resolves the configured calendar.
func NewClient(ctx context.Context, logger logrus.FieldLogger, opts Options, clk clock.Clock) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if clk == nil {
		clk = clock.System{}
	}

	httpClient := &http.Client{Transport: &customTransport{
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: opts.Transport,
	}}
	caldavClient, err := dav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	paths, err := lru.New[string, string](pathCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create path cache: %w", err)
	}

	c := &Client{
		caldavClient: caldavClient,
		loc:          opts.Location,
		clock:        clk,
		logger:       logger.WithField("backend", models.KindCalDAV),
		paths:        paths,
	}

	c.logger.WithField("calendar", opts.Calendar).Info("Finding CalDAV calendar")
	calendarPath, err := c.findCalendar(ctx, opts.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", opts.Calendar, err)
	}
	c.calendarPath = calendarPath
	c.logger = c.logger.WithField("calendar", calendarPath)
	c.logger.Info("Successfully found CalDAV calendar")

	return c, nil
}

func (c *Client) Kind() models.Kind {
	return models.KindCalDAV
}

// FetchChanges returns the events modified at or after the instant encoded in
// cursor. CalDAV keeps no tombstones, so removed objects are not reported.
func (c *Client) FetchChanges(_ context.Context, cursor string) (backend.ChangeFeed, error) {
	var since time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, fmt.Errorf("caldav %s: invalid cursor %q: %w", backend.OpFetchChanges, cursor, err)
		}
		since = t
	}

	return backend.NewPager(func(ctx context.Context, _ string) (backend.Page, error) {
		startedAt := c.clock.Now()
		events, err := c.query(ctx, backend.OpFetchChanges, eventFilter())
		if err != nil {
			return backend.Page{}, err
		}

		changed := events[:0]
		for _, e := range events {
			if since.IsZero() || !e.Updated.Before(since) {
				changed = append(changed, e)
			}
		}
		c.logger.WithField("count", len(changed)).Debug("Fetched changed events")
		return backend.Page{
			Events:     changed,
			NextCursor: startedAt.UTC().Format(time.RFC3339Nano),
		}, nil
	}), nil
}

// FetchWindow returns every event ending at or after since.
func (c *Client) FetchWindow(ctx context.Context, since time.Time) ([]models.Event, error) {
	filter := eventFilter()
	filter.Comps[0].Start = since.UTC()
	filter.Comps[0].End = since.Add(windowHorizon).UTC()

	events, err := c.query(ctx, backend.OpFetchWindow, filter)
	if err != nil {
		return nil, err
	}

	inWindow := events[:0]
	for _, e := range events {
		if e.EndsAtOrAfter(since) {
			inWindow = append(inWindow, e)
		}
	}
	c.logger.WithField("count", len(inWindow)).Info("Successfully fetched events from CalDAV")
	return inWindow, nil
}

func (c *Client) LookupByUID(ctx context.Context, uid string) (models.Event, error) {
	obj, err := c.lookup(ctx, uid)
	if err != nil {
		return models.Event{}, err
	}
	return c.eventFromObject(obj)
}

func (c *Client) Create(ctx context.Context, event models.Event) error {
	objectPath := c.objectPath(event.UID)
	if _, err := c.caldavClient.PutCalendarObject(ctx, objectPath, ToCalDAV(event)); err != nil {
		return classify(backend.OpCreate, err)
	}
	c.paths.Add(event.UID, objectPath)
	c.logger.WithField("uid", event.UID).Info("Created event in CalDAV calendar")
	return nil
}

func (c *Client) Update(ctx context.Context, uid string, event models.Event) error {
	obj, err := c.lookup(ctx, uid)
	if err != nil {
		return err
	}
	event.UID = uid
	if _, err := c.caldavClient.PutCalendarObject(ctx, obj.Path, ToCalDAV(event)); err != nil {
		return classify(backend.OpUpdate, err)
	}
	c.logger.WithField("uid", uid).Info("Updated event in CalDAV calendar")
	return nil
}

func (c *Client) Delete(ctx context.Context, uid string) error {
	obj, err := c.lookup(ctx, uid)
	if err != nil {
		return err
	}
	if err := c.caldavClient.RemoveAll(ctx, obj.Path); err != nil {
		return classify(backend.OpDelete, err)
	}
	c.paths.Remove(uid)
	c.logger.WithField("uid", uid).Info("Deleted event from CalDAV calendar")
	return nil
}

// lookup finds the object holding uid: first at the cached or conventional
// path, then with a UID query for objects named by another client.
func (c *Client) lookup(ctx context.Context, uid string) (*dav.CalendarObject, error) {
	candidates := []string{c.objectPath(uid)}
	if cached, ok := c.paths.Get(uid); ok && cached != candidates[0] {
		candidates = append([]string{cached}, candidates...)
	}
	for _, p := range candidates {
		obj, err := c.caldavClient.GetCalendarObject(ctx, p)
		if err == nil {
			// Another client may have stored a different event under this name.
			if objectUID(obj) == uid {
				c.paths.Add(uid, obj.Path)
				return obj, nil
			}
			continue
		}
		if err = classify(backend.OpLookup, err); !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
	}
	c.paths.Remove(uid)

	filter := eventFilter()
	filter.Comps[0].Props = []dav.PropFilter{{
		Name:      ical.PropUID,
		TextMatch: &dav.TextMatch{Text: uid},
	}}
	objs, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, &dav.CalendarQuery{
		CompRequest: fullRequest(),
		CompFilter:  filter,
	})
	if err != nil {
		return nil, classify(backend.OpLookup, err)
	}
	for i := range objs {
		if objectUID(&objs[i]) == uid {
			c.paths.Add(uid, objs[i].Path)
			return &objs[i], nil
		}
	}
	return nil, fmt.Errorf("caldav %s %s: %w", backend.OpLookup, uid, backend.ErrNotFound)
}

func (c *Client) query(ctx context.Context, op backend.Op, filter dav.CompFilter) ([]models.Event, error) {
	objs, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, &dav.CalendarQuery{
		CompRequest: fullRequest(),
		CompFilter:  filter,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	events := make([]models.Event, 0, len(objs))
	for _, obj := range objs {
		event, err := c.eventFromObject(&obj)
		if err != nil {
			c.logger.WithField("path", obj.Path).Errorf("Failed to convert event: %v", err)
			return nil, err
		}
		c.paths.Add(event.UID, obj.Path)
		events = append(events, event)
	}
	return events, nil
}

// eventFromObject converts obj. An event without a UID is named after its
// object file.
func (c *Client) eventFromObject(obj *dav.CalendarObject) (models.Event, error) {
	if obj.Data != nil {
		if comp := masterEvent(obj.Data); comp != nil && comp.Props.Get(ical.PropUID) == nil {
			comp.Props.SetText(ical.PropUID, objectUID(obj))
		}
	}
	return FromCalDAV(obj.Data, c.loc)
}

// objectUID returns the UID of obj's master VEVENT, or the object's file name
// when the event has none. It is empty for objects without a VEVENT.
func objectUID(obj *dav.CalendarObject) string {
	if obj.Data == nil {
		return ""
	}
	comp := masterEvent(obj.Data)
	if comp == nil {
		return ""
	}
	if comp.Props.Get(ical.PropUID) == nil {
		return strings.TrimSuffix(path.Base(obj.Path), ".ics")
	}
	uid, _ := comp.Props.Text(ical.PropUID)
	return uid
}

// objectPath is the path an event is created at. UIDs that are not safe as a
// file name are mapped to a name-based UUID so the path stays deterministic.
func (c *Client) objectPath(uid string) string {
	name := uid
	if !safeObjectName.MatchString(uid) {
		name = uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid)).String()
	}
	return path.Join(c.calendarPath, name+".ics")
}

// findCalendar discovers the user's calendars and returns the path of the one
// with the matching name. A name starting with "/" is used as the path.
func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", classify(backend.OpFetchWindow, err))
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", classify(backend.OpFetchWindow, err))
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", classify(backend.OpFetchWindow, err))
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

func eventFilter() dav.CompFilter {
	return dav.CompFilter{
		Name:  ical.CompCalendar,
		Comps: []dav.CompFilter{{Name: ical.CompEvent}},
	}
}

func fullRequest() dav.CalendarCompRequest {
	return dav.CalendarCompRequest{
		Name:     ical.CompCalendar,
		AllProps: true,
		AllComps: true,
	}
}
