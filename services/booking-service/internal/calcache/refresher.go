// Package calcache keeps the local copy of external calendar busy intervals
// that availability and hold creation read from. Only the refresher writes
// it; readers never call a provider.
package calcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	otelx "github.com/md-rashed-zaman/apptholds/libs/otel"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
)

// ErrAllCalendarsFailed is returned when no configured calendar could be read.
var ErrAllCalendarsFailed = errors.New("every calendar refresh failed")

// Lister is the read side of an external calendar provider.
type Lister interface {
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]extcal.BusyInterval, error)
}

// Store is the cache table.
type Store interface {
	// ReplaceCalendar upserts events for one calendar and drops that
	// calendar's rows that were not part of this fetch.
	ReplaceCalendar(ctx context.Context, calendarID string, events []model.CachedExternalEvent, fetchedAt time.Time) error
	// PurgeExpired deletes rows whose expiry is at or before now, except for
	// the calendars in keep.
	PurgeExpired(ctx context.Context, now time.Time, keep []string) (int64, error)
}

type Config struct {
	Calendars []string
	// Horizon is how far ahead events are fetched.
	Horizon time.Duration
	// TTL is added to the fetch time to form each row's expiry.
	TTL          time.Duration
	Concurrency  int
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 15 * 24 * time.Hour
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	return c
}

// Result summarizes one refresh pass.
type Result struct {
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Events    int               `json:"events"`
	Purged    int64             `json:"purged"`
}

type Refresher struct {
	lister Lister
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer

	// One pass at a time; overlapping triggers wait.
	mu sync.Mutex
}

func New(lister Lister, store Store, cfg Config, logger *slog.Logger) *Refresher {
	return &Refresher{
		lister: lister,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		tracer: otelx.Tracer("booking-service/calcache"),
	}
}

// WithClock replaces the clock. Tests only.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// Refresh fetches every configured calendar and rewrites its cache rows.
// A calendar that fails keeps its previous rows, expired or not, and does
// not stop the others.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "calcache.refresh")
	defer span.End()

	res := Result{Refreshed: []string{}, Failed: map[string]string{}}
	if r.lister == nil || len(r.cfg.Calendars) == 0 {
		return res, nil
	}

	fetchedAt := r.now().UTC()
	start, end := fetchedAt, fetchedAt.Add(r.cfg.Horizon)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, calID := range r.cfg.Calendars {
		g.Go(func() error {
			n, err := r.refreshOne(gctx, calID, start, end, fetchedAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("calendar refresh failed", "calendar_id", calID, "err", err)
				res.Failed[calID] = "fetch failed"
				return nil
			}
			res.Refreshed = append(res.Refreshed, calID)
			res.Events += n
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Refreshed)

	keep := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		keep = append(keep, id)
	}
	purged, err := r.store.PurgeExpired(ctx, fetchedAt, keep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, errors.Wrap(err, "purge expired cache rows")
	}
	res.Purged = purged

	span.SetAttributes(
		attribute.Int("calendars.refreshed", len(res.Refreshed)),
		attribute.Int("calendars.failed", len(res.Failed)),
		attribute.Int("events", res.Events),
	)
	r.logger.Info("calendar cache refreshed",
		"refreshed", len(res.Refreshed),
		"failed", len(res.Failed),
		"events", res.Events,
		"purged", purged,
	)

	if len(res.Refreshed) == 0 {
		err := errors.Newf("%d calendars failed", len(res.Failed))
		span.SetStatus(codes.Error, err.Error())
		return res, errors.Mark(err, ErrAllCalendarsFailed)
	}
	return res, nil
}

func (r *Refresher) refreshOne(ctx context.Context, calID string, start, end, fetchedAt time.Time) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	busy, err := r.lister.ListEvents(fetchCtx, calID, start, end)
	if err != nil {
		return 0, errors.Wrapf(err, "list events for %s", calID)
	}

	expires := fetchedAt.Add(r.cfg.TTL)
	events := make([]model.CachedExternalEvent, 0, len(busy))
	seen := make(map[string]struct{}, len(busy))
	for _, b := range busy {
		if b.ID == "" || !b.End.After(b.Start) {
			continue
		}
		// Paged listings can repeat an event.
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		events = append(events, model.CachedExternalEvent{
			ExternalEventID: b.ID,
			CalendarID:      calID,
			StartUTC:        b.Start.UTC(),
			EndUTC:          b.End.UTC(),
			FetchedAt:       fetchedAt,
			ExpiresAt:       expires,
		})
	}
	if err := r.store.ReplaceCalendar(ctx, calID, events, fetchedAt); err != nil {
		return 0, errors.Wrapf(err, "store events for %s", calID)
	}
	return len(events), nil
}
