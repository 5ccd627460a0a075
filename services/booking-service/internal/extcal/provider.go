// Package extcal talks to the business owner's external calendar: it mirrors
// bookings into it and lists the busy intervals the cache refresher stores.
package extcal

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Attendee is the booking contact written onto the mirrored event.
type Attendee struct {
	Name  string
	Email string
	Notes string
}

// BusyInterval is one busy block on an external calendar. ID is stable
// across fetches.
type BusyInterval struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Provider is an external calendar backend.
type Provider interface {
	CreateEvent(ctx context.Context, iv Interval, who Attendee) (string, error)
	DeleteEvent(ctx context.Context, externalEventID string) error
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]BusyInterval, error)
}

// ErrEventNotFound is returned by DeleteEvent when the event is already gone.
var ErrEventNotFound = errors.New("external event not found")

const (
	KindCalDAV = "caldav"
	KindGraph  = "graph"
)

// Config selects and configures one provider. An empty Kind disables
// external calendars.
type Config struct {
	Kind     string
	Location *time.Location
	Timeout  time.Duration
	CalDAV   CalDAVConfig
	Graph    GraphConfig
}

// New builds the configured provider. It returns (nil, nil) when no provider
// is configured; callers treat a nil Provider as "no external calendar".
func New(cfg Config) (Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	switch cfg.Kind {
	case "":
		return nil, nil
	case KindCalDAV:
		return NewCalDAV(cfg.CalDAV, cfg.Location, cfg.Timeout)
	case KindGraph:
		return NewGraph(cfg.Graph, cfg.Timeout)
	default:
		return nil, errors.Newf("unknown calendar provider %q", cfg.Kind)
	}
}

func summaryFor(who Attendee) string {
	if who.Name == "" {
		return "Appointment"
	}
	return "Appointment: " + who.Name
}
