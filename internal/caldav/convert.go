package caldav

import (
	"fmt"
	"strings"
	"time"

	"calsync/internal/models"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const productID = "-//calsync//EN"

var statusFromICal = map[string]models.Status{
	"":          models.StatusConfirmed,
	"CONFIRMED": models.StatusConfirmed,
	"TENTATIVE": models.StatusConfirmed,
	"CANCELLED": models.StatusCancelled,
}

var statusToICal = map[models.Status]string{
	models.StatusConfirmed: "CONFIRMED",
	models.StatusCancelled: "CANCELLED",
}

var transparencyToICal = map[models.Transparency]string{
	models.TransparencyOpaque:      "OPAQUE",
	models.TransparencyTransparent: "TRANSPARENT",
}

// FromCalDAV converts the master VEVENT of a calendar object to the internal
// Event model. Floating times and dates are read in loc.
func FromCalDAV(cal *ical.Calendar, loc *time.Location) (models.Event, error) {
	if cal == nil {
		return models.Event{}, fmt.Errorf("%w: empty calendar object", models.ErrMalformedEvent)
	}
	if loc == nil {
		loc = time.UTC
	}
	comp := masterEvent(cal)
	if comp == nil {
		return models.Event{}, fmt.Errorf("%w: calendar object has no VEVENT", models.ErrMalformedEvent)
	}

	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return models.Event{}, fmt.Errorf("%w: VEVENT without UID", models.ErrMalformedEvent)
	}

	event := models.Event{UID: uid, Source: models.KindCalDAV}
	if event.Summary, err = comp.Props.Text(ical.PropSummary); err != nil {
		return models.Event{}, malformed(uid, ical.PropSummary, err)
	}
	if event.Description, err = comp.Props.Text(ical.PropDescription); err != nil {
		return models.Event{}, malformed(uid, ical.PropDescription, err)
	}
	if event.Location, err = comp.Props.Text(ical.PropLocation); err != nil {
		return models.Event{}, malformed(uid, ical.PropLocation, err)
	}

	status, ok := statusFromICal[strings.ToUpper(propValue(comp, ical.PropStatus))]
	if !ok {
		return models.Event{}, fmt.Errorf("%w: event %s has unknown STATUS %q", models.ErrMalformedEvent, uid, propValue(comp, ical.PropStatus))
	}
	event.Status = status
	event.Transparency = models.TransparencyOpaque
	if strings.EqualFold(propValue(comp, ical.PropTransparency), "TRANSPARENT") {
		event.Transparency = models.TransparencyTransparent
	}
	event.Organizer = stripMailto(propValue(comp, ical.PropOrganizer))
	for _, p := range comp.Props[ical.PropAttendee] {
		if email := stripMailto(p.Value); email != "" {
			event.Attendees = append(event.Attendees, email)
		}
	}

	if event.Created, err = optionalTime(comp, ical.PropCreated); err != nil {
		return models.Event{}, malformed(uid, ical.PropCreated, err)
	}
	if event.Updated, err = optionalTime(comp, ical.PropLastModified); err != nil {
		return models.Event{}, malformed(uid, ical.PropLastModified, err)
	}
	if event.Updated.IsZero() {
		if event.Updated, err = optionalTime(comp, ical.PropDateTimeStamp); err != nil {
			return models.Event{}, malformed(uid, ical.PropDateTimeStamp, err)
		}
	}

	if err := readTimes(comp, loc, &event); err != nil {
		return models.Event{}, fmt.Errorf("%w: event %s: %v", models.ErrMalformedEvent, uid, err)
	}
	if err := event.Validate(); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

func readTimes(comp *ical.Component, loc *time.Location, event *models.Event) error {
	start := comp.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		// Cancelled events are allowed to be reduced to their UID.
		return nil
	}
	var err error
	event.AllDay = start.ValueType() == ical.ValueDate
	if event.Start, err = start.DateTime(loc); err != nil {
		return fmt.Errorf("DTSTART: %w", err)
	}

	switch end := comp.Props.Get(ical.PropDateTimeEnd); {
	case end != nil:
		if event.End, err = end.DateTime(loc); err != nil {
			return fmt.Errorf("DTEND: %w", err)
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return fmt.Errorf("DURATION: %w", err)
		}
		event.End = event.Start.Add(d)
	case event.AllDay:
		event.End = event.Start.AddDate(0, 0, 1)
	default:
		event.End = event.Start
	}

	if event.AllDay {
		event.Start = models.Date(event.Start, event.Start.Location())
		event.End = models.Date(event.End, event.End.Location())
	}
	return nil
}

// ToCalDAV wraps an internal Event in a calendar object with a single VEVENT.
func ToCalDAV(e models.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toVEvent(e))
	return cal
}

// toVEvent converts an internal Event model to an ical.Component (VEvent).
func toVEvent(e models.Event) *ical.Component {
	uid := e.UID
	if uid == "" {
		uid = GenerateUID()
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, e.Summary)

	stamp := e.Updated
	if stamp.IsZero() {
		stamp = time.Now()
	}
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	if !e.Updated.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, e.Updated.UTC())
	}
	if !e.Created.IsZero() {
		ve.Props.SetDateTime(ical.PropCreated, e.Created.UTC())
	}

	if e.AllDay {
		setDate(ve, ical.PropDateTimeStart, e.Start)
		setDate(ve, ical.PropDateTimeEnd, e.End)
	} else if !e.Start.IsZero() {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}

	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	if status, ok := statusToICal[e.Status]; ok {
		ve.Props.SetText(ical.PropStatus, status)
	}
	if transp, ok := transparencyToICal[e.Transparency]; ok {
		ve.Props.SetText(ical.PropTransparency, transp)
	}
	if e.Organizer != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + e.Organizer
		ve.Props.Set(p)
	}
	for _, email := range e.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + email
		ve.Props.Add(p)
	}
	return ve
}

// setDate writes a VALUE=DATE property. The date is taken in t's own zone,
// which is the calendar zone for all-day values.
func setDate(comp *ical.Component, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetDate(t)
	comp.Props.Set(p)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}

// masterEvent returns the VEVENT that is not a recurrence override.
func masterEvent(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
		if first == nil {
			first = child
		}
	}
	return first
}

func propValue(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func optionalTime(comp *ical.Component, name string) (time.Time, error) {
	p := comp.Props.Get(name)
	if p == nil {
		return time.Time{}, nil
	}
	return p.DateTime(time.UTC)
}

func malformed(uid, prop string, err error) error {
	return fmt.Errorf("%w: event %s %s: %v", models.ErrMalformedEvent, uid, prop, err)
}

func stripMailto(s string) string {
	if len(s) >= len("mailto:") && strings.EqualFold(s[:len("mailto:")], "mailto:") {
		return s[len("mailto:"):]
	}
	return s
}
