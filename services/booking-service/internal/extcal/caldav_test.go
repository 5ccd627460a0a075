package extcal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/google/go-cmp/cmp"
)

func decodeICS(t *testing.T, lines ...string) *ical.Calendar {
	t.Helper()
	body := strings.Join(lines, "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(body)).Decode()
	if err != nil {
		t.Fatalf("decode ics: %v", err)
	}
	return cal
}

func TestBusyFromCalendar(t *testing.T) {
	cal := decodeICS(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:plain",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260302T100000Z",
		"DTEND:20260302T113000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:free",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260302T120000Z",
		"DTEND:20260302T130000Z",
		"TRANSP:TRANSPARENT",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:cancelled",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260302T140000Z",
		"DTEND:20260302T150000Z",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:daily",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260303T080000Z",
		"DTEND:20260303T083000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	got := busyFromCalendar(cal, time.UTC, start, start.AddDate(0, 0, 14))

	at := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }
	want := []BusyInterval{
		{ID: "plain", Start: at(2, 10, 0), End: at(2, 11, 30)},
		{ID: "daily_" + itoa(at(3, 8, 0).Unix()), Start: at(3, 8, 0), End: at(3, 8, 30)},
		{ID: "daily_" + itoa(at(4, 8, 0).Unix()), Start: at(4, 8, 0), End: at(4, 8, 30)},
		{ID: "daily_" + itoa(at(5, 8, 0).Unix()), Start: at(5, 8, 0), End: at(5, 8, 30)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("busy intervals mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildEvent(t *testing.T) {
	iv := Interval{
		Start: time.Date(2026, 1, 14, 21, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 14, 22, 0, 0, 0, time.UTC),
	}
	cal := buildEvent("uid-1", iv, Attendee{Name: "Ana", Email: "ana@example.com", Notes: "phone call"}, iv.Start)

	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"UID:uid-1", "DTSTART:20260114T210000Z", "DTEND:20260114T220000Z", "SUMMARY:Appointment: Ana", "mailto:ana@example.com"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in\n%s", want, out)
		}
	}

	busy := busyFromCalendar(cal, time.UTC, iv.Start.Add(-time.Hour), iv.End.Add(time.Hour))
	if len(busy) != 1 || busy[0].ID != "uid-1" || !busy[0].Start.Equal(iv.Start) {
		t.Fatalf("mirrored event should read back as busy, got %+v", busy)
	}
}

func TestNewProviderSelection(t *testing.T) {
	p, err := New(Config{})
	if err != nil || p != nil {
		t.Fatalf("empty kind should disable the provider, got %v, %v", p, err)
	}
	if _, err := New(Config{Kind: "exchange"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := New(Config{Kind: KindCalDAV}); err == nil {
		t.Fatalf("expected error for caldav without url")
	}
	if _, err := New(Config{Kind: KindGraph}); err == nil {
		t.Fatalf("expected error for graph without credentials")
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestCalDAVDeleteEvent(t *testing.T) {
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		if u, p, ok := r.BasicAuth(); ok && u == "owner" && p == "pw" {
			gotAuth = true
		}
		switch r.URL.Path {
		case "/dav/bookings/present.ics":
			w.WriteHeader(http.StatusNoContent)
		case "/dav/bookings/broken.ics":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewCalDAV(CalDAVConfig{URL: srv.URL + "/dav/", Username: "owner", Password: "pw", WriteCalendar: "/dav/bookings/"}, time.UTC, time.Second)
	if err != nil {
		t.Fatalf("new caldav: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		wantErr error
		fails   bool
	}{
		{name: "present", id: "/dav/bookings/present.ics"},
		{name: "missing", id: "/dav/bookings/missing.ics", wantErr: ErrEventNotFound, fails: true},
		{name: "server error", id: "/dav/bookings/broken.ics", fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.DeleteEvent(ctx, tt.id)
			if (err != nil) != tt.fails {
				t.Fatalf("DeleteEvent(%s): unexpected error state %v", tt.id, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.name == "server error" && errors.Is(err, ErrEventNotFound) {
				t.Fatalf("a 500 must not read as not found")
			}
		})
	}
	if !gotAuth {
		t.Fatalf("delete requests were not authenticated")
	}
}
