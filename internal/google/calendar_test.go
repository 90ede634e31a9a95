package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/backend"
	"calsync/internal/models"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

func setupCalendarTest(t *testing.T, handler http.HandlerFunc) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	client, err := NewClientFromHTTP(context.Background(), logger, srv.Client(), srv.URL+"/", "primary", time.UTC)
	require.NoError(t, err)
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func apiError(code int, reason string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]any{{"reason": reason, "message": reason}},
		},
	}
}

func timedItem(id, summary string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		ICalUID: id + "@example.com",
		Summary: summary,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: "2026-06-01T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-06-01T10:00:00Z"},
		Updated: "2026-05-30T10:00:00Z",
	}
}

func drain(t *testing.T, feed backend.ChangeFeed) []models.Event {
	t.Helper()
	var events []models.Event
	for {
		ev, ok, err := feed.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func TestCalendarClient_FetchChangesFollowsPages(t *testing.T) {
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("showDeleted"))
		assert.Equal(t, "token-1", q.Get("syncToken"))
		switch q.Get("pageToken") {
		case "":
			writeJSON(t, w, http.StatusOK, &calendar.Events{
				Items:         []*calendar.Event{timedItem("a", "A")},
				NextPageToken: "page-2",
			})
		case "page-2":
			writeJSON(t, w, http.StatusOK, &calendar.Events{
				Items:         []*calendar.Event{{Id: "b", ICalUID: "b@example.com", Status: "cancelled"}},
				NextSyncToken: "token-2",
			})
		default:
			t.Errorf("unexpected page token %q", q.Get("pageToken"))
		}
	})

	feed, err := client.FetchChanges(context.Background(), "token-1")
	require.NoError(t, err)
	events := drain(t, feed)

	require.Len(t, events, 2)
	assert.Equal(t, "a@example.com", events[0].UID)
	assert.True(t, events[1].Cancelled())
	assert.Equal(t, "token-2", feed.Cursor())
}

func TestCalendarClient_ExpiredSyncTokenResyncs(t *testing.T) {
	var requests []string
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("syncToken")
		requests = append(requests, token)
		if token != "" {
			writeJSON(t, w, http.StatusGone, apiError(http.StatusGone, "fullSyncRequired"))
			return
		}
		writeJSON(t, w, http.StatusOK, &calendar.Events{
			Items:         []*calendar.Event{timedItem("a", "A")},
			NextSyncToken: "fresh",
		})
	})

	feed, err := client.FetchChanges(context.Background(), "stale")
	require.NoError(t, err)
	events := drain(t, feed)

	assert.Len(t, events, 1)
	assert.Equal(t, "fresh", feed.Cursor())
	assert.Equal(t, []string{"stale", ""}, requests)
}

func TestCalendarClient_AllDayUsesResponseZone(t *testing.T) {
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, &calendar.Events{
			TimeZone: "America/New_York",
			Items: []*calendar.Event{{
				ICalUID: "day",
				Start:   &calendar.EventDateTime{Date: "2026-07-04"},
				End:     &calendar.EventDateTime{Date: "2026-07-05"},
			}},
		})
	})

	events, err := client.FetchWindow(context.Background(), time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, "America/New_York", events[0].Start.Location().String())
}

func TestCalendarClient_CreateImportsEvent(t *testing.T) {
	var imported calendar.Event
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/events/import"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&imported))
		writeJSON(t, w, http.StatusOK, &imported)
	})
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	err := client.Create(context.Background(), models.Event{
		UID:     "from-caldav",
		Summary: "Dentist",
		Start:   start,
		End:     start.Add(time.Hour),
		Status:  models.StatusConfirmed,
	})

	require.NoError(t, err)
	assert.Equal(t, "from-caldav", imported.ICalUID)
	assert.Equal(t, "Dentist", imported.Summary)
}

func TestCalendarClient_UpdateReplacesByEventID(t *testing.T) {
	var updated calendar.Event
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "a@example.com", r.URL.Query().Get("iCalUID"))
			item := timedItem("a", "old")
			item.Attendees = []*calendar.EventAttendee{{Email: "carol@example.com"}}
			writeJSON(t, w, http.StatusOK, &calendar.Events{Items: []*calendar.Event{item}})
		case http.MethodPut:
			require.True(t, strings.HasSuffix(r.URL.Path, "/events/a"), r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
			writeJSON(t, w, http.StatusOK, &updated)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	start := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)

	err := client.Update(context.Background(), "a@example.com", models.Event{
		Summary:   "new",
		Start:     start,
		End:       start.Add(time.Hour),
		Status:    models.StatusConfirmed,
		Attendees: []string{"carol@example.com"},
	})

	require.NoError(t, err)
	assert.Equal(t, "new", updated.Summary)
	assert.Equal(t, "a@example.com", updated.ICalUID)
	assert.Len(t, updated.Attendees, 1)
}

func TestCalendarClient_LookupMissingIsNotFound(t *testing.T) {
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, &calendar.Events{})
	})

	_, err := client.LookupByUID(context.Background(), "missing")

	assert.True(t, errors.Is(err, backend.ErrNotFound))
}

func TestCalendarClient_ClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		reason string
		want   error
	}{
		{name: "rate limited", status: http.StatusForbidden, reason: "rateLimitExceeded", want: backend.ErrUnavailable},
		{name: "forbidden", status: http.StatusForbidden, reason: "forbidden", want: backend.ErrPermissionDenied},
		{name: "unauthorized", status: http.StatusUnauthorized, reason: "authError", want: backend.ErrPermissionDenied},
		{name: "too many requests", status: http.StatusTooManyRequests, reason: "rateLimitExceeded", want: backend.ErrUnavailable},
		{name: "server error", status: http.StatusServiceUnavailable, reason: "backendError", want: backend.ErrUnavailable},
		{name: "not found", status: http.StatusNotFound, reason: "notFound", want: backend.ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tc.status, apiError(tc.status, tc.reason))
			})

			_, err := client.FetchWindow(context.Background(), time.Now())

			assert.True(t, errors.Is(err, tc.want), err)
			assert.True(t, backend.IsRetryable(err) == errors.Is(tc.want, backend.ErrUnavailable))
		})
	}
}

func TestCalendarClient_SkipsRecurringOccurrences(t *testing.T) {
	master := timedItem("series", "Weekly")
	master.ICalUID = "series@x"
	master.Recurrence = []string{"RRULE:FREQ=WEEKLY"}
	moved := &calendar.Event{
		Id:               "series_20260608T090000Z",
		ICalUID:          "series@x",
		RecurringEventId: "series",
		Summary:          "Weekly (moved)",
		Status:           "confirmed",
		Start:            &calendar.EventDateTime{DateTime: "2026-06-08T15:00:00Z"},
		End:              &calendar.EventDateTime{DateTime: "2026-06-08T16:00:00Z"},
		Updated:          "2026-06-02T10:00:00Z",
	}
	dropped := &calendar.Event{Id: "series_20260615T090000Z", ICalUID: "series@x", RecurringEventId: "series", Status: "cancelled"}
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, &calendar.Events{
			Items:         []*calendar.Event{master, moved, dropped},
			NextSyncToken: "token-2",
		})
	})

	feed, err := client.FetchChanges(context.Background(), "")
	require.NoError(t, err)
	changes := drain(t, feed)
	window, err := client.FetchWindow(context.Background(), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	for _, events := range [][]models.Event{changes, window} {
		require.Len(t, events, 1)
		assert.Equal(t, "series@x", events[0].UID)
		assert.Equal(t, "Weekly", events[0].Summary)
		assert.False(t, events[0].Cancelled())
	}
}

func TestCalendarClient_DiscoverCalendars(t *testing.T) {
	client := setupCalendarTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/users/me/calendarList"), r.URL.Path)
		writeJSON(t, w, http.StatusOK, &calendar.CalendarList{Items: []*calendar.CalendarListEntry{
			{Id: "alice@example.com", Summary: "Alice", Primary: true},
			{Id: "team@group.calendar.google.com", Summary: "Team"},
		}})
	})

	calendars, err := client.DiscoverCalendars(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []CalendarInfo{
		{ID: "alice@example.com", Summary: "Alice", Primary: true},
		{ID: "team@group.calendar.google.com", Summary: "Team"},
	}, calendars)
}
