package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrMalformedEvent is returned when a backend payload lacks a required field
// or carries one that cannot be parsed.
var ErrMalformedEvent = errors.New("malformed event")

// Kind identifies the backend an event was read from.
type Kind string

const (
	KindGoogle Kind = "google"
	KindCalDAV Kind = "caldav"
	KindMemory Kind = "memory"
)

// Status is the lifecycle state of an event.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Transparency tells whether an event blocks time on a free/busy lookup.
type Transparency string

const (
	TransparencyOpaque      Transparency = "opaque"
	TransparencyTransparent Transparency = "transparent"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
// Empty strings mean the field is absent on the source.
type Event struct {
	UID          string       // The iCalendar UID, used to correlate events across backends
	Summary      string       // Summary or title of the event
	Description  string       // Detailed description of the event
	Location     string       // Location of the event
	Start        time.Time    // Start of the event, midnight in the calendar zone for all-day events
	End          time.Time    // End of the event, exclusive
	AllDay       bool         // Start and End carry a date only
	Status       Status       // confirmed or cancelled
	Transparency Transparency // opaque or transparent
	Organizer    string       // Organizer's email, without a mailto: prefix
	Attendees    []string     // Attendee emails, without a mailto: prefix
	Created      time.Time    // Creation instant reported by the source
	Updated      time.Time    // Last modification instant reported by the source
	Source       Kind         // The backend this value was read from
}

// Cancelled reports whether the event has been cancelled on its source.
func (e Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// Validate checks the invariants every converted event must hold.
func (e Event) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("%w: missing uid", ErrMalformedEvent)
	}
	// Cancelled items on a change feed are often reduced to their identifiers.
	if e.Cancelled() {
		return nil
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: event %s has no start or end", ErrMalformedEvent, e.UID)
	}
	if !e.AllDay && e.End.Before(e.Start) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrMalformedEvent, e.UID)
	}
	return nil
}

// EndsAtOrAfter reports whether the event is still ongoing or in the future
// relative to t.
func (e Event) EndsAtOrAfter(t time.Time) bool {
	return !e.End.Before(t)
}

// Date returns midnight of t's calendar date in loc. All-day boundaries are
// normalized with it so that no time-of-day survives a conversion.
func Date(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SameContent reports whether two events carry the same synced fields.
// Bookkeeping fields (Created, Updated, Source) are ignored.
func (e Event) SameContent(o Event) bool {
	return e.UID == o.UID &&
		e.Summary == o.Summary &&
		e.Description == o.Description &&
		e.Location == o.Location &&
		e.Start.Equal(o.Start) &&
		e.End.Equal(o.End) &&
		e.AllDay == o.AllDay &&
		e.Status == o.Status &&
		e.Transparency == o.Transparency &&
		e.Organizer == o.Organizer &&
		sameAttendees(e.Attendees, o.Attendees)
}

// sameAttendees compares attendee lists ignoring order and the case of the
// addresses.
func sameAttendees(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(normalizedAttendees(a), normalizedAttendees(b))
}

func normalizedAttendees(emails []string) []string {
	out := make([]string, len(emails))
	for i, email := range emails {
		out[i] = strings.ToLower(email)
	}
	slices.Sort(out)
	return out
}
