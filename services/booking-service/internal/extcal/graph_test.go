package extcal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func TestGraphProvider(t *testing.T) {
	var created graphEvent
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/users/owner@example.com/calendar/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&created)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "AAMk-1"})
	})
	mux.HandleFunc("/users/owner@example.com/events/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"ErrorItemNotFound"}}`, http.StatusNotFound)
	})
	mux.HandleFunc("/users/owner@example.com/calendars/work/calendarView", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(graphPage{Value: []graphEvent{
				{ID: "e3", Start: graphDateTime{"2026-03-03T09:00:00.0000000", "UTC"}, End: graphDateTime{"2026-03-03T10:00:00.0000000", "UTC"}, ShowAs: "busy"},
			}})
			return
		}
		_ = json.NewEncoder(w).Encode(graphPage{
			Value: []graphEvent{
				{ID: "e1", Start: graphDateTime{"2026-03-02T09:00:00.0000000", "UTC"}, End: graphDateTime{"2026-03-02T10:30:00.0000000", "UTC"}, ShowAs: "busy"},
				{ID: "free", Start: graphDateTime{"2026-03-02T11:00:00.0000000", "UTC"}, End: graphDateTime{"2026-03-02T12:00:00.0000000", "UTC"}, ShowAs: "free"},
				{ID: "cancelled", Start: graphDateTime{"2026-03-02T13:00:00.0000000", "UTC"}, End: graphDateTime{"2026-03-02T14:00:00.0000000", "UTC"}, IsCancelled: true},
			},
			NextLink: srv.URL + "/users/owner@example.com/calendars/work/calendarView?page=2",
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	g := NewGraphWithTokens(GraphConfig{User: "owner@example.com", BaseURL: srv.URL}, staticToken("tok"), srv.Client())
	ctx := context.Background()

	iv := Interval{Start: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)}
	id, err := g.CreateEvent(ctx, iv, Attendee{Name: "Ana", Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "AAMk-1" || created.Subject != "Appointment: Ana" || created.Start.DateTime != "2026-03-02T15:00:00" {
		t.Fatalf("unexpected create result id=%s event=%+v", id, created)
	}

	if err := g.DeleteEvent(ctx, "gone"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	busy, err := g.ListEvents(ctx, "work", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []BusyInterval{
		{ID: "e1", Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)},
		{ID: "e3", Start: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, busy); diff != "" {
		t.Fatalf("busy mismatch (-want +got):\n%s", diff)
	}
}
