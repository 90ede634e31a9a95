package google

import (
	"fmt"
	"strings"
	"time"

	"calsync/internal/models"

	"google.golang.org/api/calendar/v3"
)

const dateLayout = "2006-01-02"

var statusFromGoogle = map[string]models.Status{
	"":          models.StatusConfirmed,
	"confirmed": models.StatusConfirmed,
	"tentative": models.StatusConfirmed,
	"cancelled": models.StatusCancelled,
}

var transparencyFromGoogle = map[string]models.Transparency{
	"":            models.TransparencyOpaque,
	"opaque":      models.TransparencyOpaque,
	"transparent": models.TransparencyTransparent,
}

// FromGoogle converts a Calendar API event to the internal Event model.
// Dates without an explicit zone are read in loc, the calendar's zone.
func FromGoogle(item *calendar.Event, loc *time.Location) (models.Event, error) {
	if item == nil {
		return models.Event{}, fmt.Errorf("%w: nil google event", models.ErrMalformedEvent)
	}

	uid := item.ICalUID
	if uid == "" {
		if item.Id == "" {
			return models.Event{}, fmt.Errorf("%w: google event has neither iCalUID nor id", models.ErrMalformedEvent)
		}
		uid = item.Id + "@google.com"
	}

	status, ok := statusFromGoogle[item.Status]
	if !ok {
		return models.Event{}, fmt.Errorf("%w: event %s has unknown status %q", models.ErrMalformedEvent, uid, item.Status)
	}
	transparency, ok := transparencyFromGoogle[item.Transparency]
	if !ok {
		transparency = models.TransparencyOpaque
	}

	event := models.Event{
		UID:          uid,
		Summary:      item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		Status:       status,
		Transparency: transparency,
		Source:       models.KindGoogle,
	}
	if item.Organizer != nil {
		event.Organizer = stripMailto(item.Organizer.Email)
	}
	for _, a := range item.Attendees {
		if a != nil && a.Email != "" {
			event.Attendees = append(event.Attendees, stripMailto(a.Email))
		}
	}

	var err error
	if event.Created, err = parseTimestamp(item.Created); err != nil {
		return models.Event{}, fmt.Errorf("%w: event %s created: %v", models.ErrMalformedEvent, uid, err)
	}
	if event.Updated, err = parseTimestamp(item.Updated); err != nil {
		return models.Event{}, fmt.Errorf("%w: event %s updated: %v", models.ErrMalformedEvent, uid, err)
	}

	start, startAllDay, err := parseEventDateTime(item.Start, loc)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: event %s start: %v", models.ErrMalformedEvent, uid, err)
	}
	end, endAllDay, err := parseEventDateTime(item.End, loc)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: event %s end: %v", models.ErrMalformedEvent, uid, err)
	}
	event.AllDay = startAllDay || endAllDay
	event.Start, event.End = start, end
	if event.AllDay {
		event.Start = models.Date(start, start.Location())
		event.End = models.Date(end, end.Location())
	}

	if err := event.Validate(); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

// ToGoogle converts an internal Event to a Calendar API event. Google event
// ids are not set; they belong to the calendar the event is written to.
func ToGoogle(e models.Event) *calendar.Event {
	item := &calendar.Event{
		ICalUID:      e.UID,
		Summary:      e.Summary,
		Description:  e.Description,
		Location:     e.Location,
		Status:       string(e.Status),
		Transparency: string(e.Transparency),
	}
	if e.Organizer != "" {
		item.Organizer = &calendar.EventOrganizer{Email: e.Organizer}
	}
	for _, email := range e.Attendees {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{Email: email})
	}
	if !e.Created.IsZero() {
		item.Created = e.Created.Format(time.RFC3339Nano)
	}
	if !e.Updated.IsZero() {
		item.Updated = e.Updated.Format(time.RFC3339Nano)
	}
	if !e.Start.IsZero() {
		item.Start = formatEventDateTime(e.Start, e.AllDay)
	}
	if !e.End.IsZero() {
		item.End = formatEventDateTime(e.End, e.AllDay)
	}
	return item
}

// overwrite copies the fields calsync manages from src onto dst, keeping
// the rest of dst (reminders, conference data) as it is. Attendees already on
// dst keep their response status.
func overwrite(dst, src *calendar.Event) {
	dst.ICalUID = src.ICalUID
	dst.Summary = src.Summary
	dst.Description = src.Description
	dst.Location = src.Location
	dst.Status = src.Status
	dst.Transparency = src.Transparency
	dst.Start = src.Start
	dst.End = src.End
	if src.Organizer != nil {
		dst.Organizer = src.Organizer
	}
	dst.Attendees = mergeAttendees(dst.Attendees, src.Attendees)
}

func mergeAttendees(existing, wanted []*calendar.EventAttendee) []*calendar.EventAttendee {
	byEmail := make(map[string]*calendar.EventAttendee, len(existing))
	for _, a := range existing {
		if a != nil {
			byEmail[strings.ToLower(a.Email)] = a
		}
	}
	merged := make([]*calendar.EventAttendee, 0, len(wanted))
	for _, a := range wanted {
		if old, ok := byEmail[strings.ToLower(a.Email)]; ok {
			merged = append(merged, old)
			continue
		}
		merged = append(merged, a)
	}
	return merged
}

func parseEventDateTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, nil
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date == "" {
		return time.Time{}, false, nil
	}

	zone := loc
	if dt.TimeZone != "" {
		z, err := time.LoadLocation(dt.TimeZone)
		if err != nil {
			return time.Time{}, true, err
		}
		zone = z
	}
	if zone == nil {
		zone = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout, dt.Date, zone)
	return t, true, err
}

func formatEventDateTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		// All-day values are midnight in their own zone, so no conversion.
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func stripMailto(s string) string {
	if len(s) >= len("mailto:") && strings.EqualFold(s[:len("mailto:")], "mailto:") {
		return s[len("mailto:"):]
	}
	return s
}
