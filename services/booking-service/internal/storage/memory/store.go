// Package memory is an in-process implementation of the booking and cache
// stores. Transactions are serialized by one mutex and applied on commit,
// which gives the same isolation the Postgres store gets from SERIALIZABLE.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
)

type cacheKey struct {
	eventID    string
	calendarID string
}

type Store struct {
	mu       sync.Mutex
	bookings map[string]model.Booking
	cache    map[cacheKey]model.CachedExternalEvent
	events   []outbox.Event
}

func New() *Store {
	return &Store{
		bookings: map[string]model.Booking{},
		cache:    map[cacheKey]model.CachedExternalEvent{},
	}
}

// Within runs fn against a copy of the bookings and publishes the copy only
// if fn succeeds.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx holds.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, bookings: make(map[string]model.Booking, len(s.bookings))}
	for id, b := range s.bookings {
		tx.bookings[id] = b
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.bookings = tx.bookings
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *Store) Snapshot(_ context.Context, from, to time.Time) (availability.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return availability.Snapshot{
		Bookings: activeOverlapping(s.bookings, from, to),
		External: s.cachedOverlapping(from, to),
	}, nil
}

func (s *Store) FindByID(_ context.Context, id string) (model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, notFound("booking %s", id)
	}
	return b, nil
}

func (s *Store) FindByToken(_ context.Context, token string) (model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return byToken(s.bookings, token)
}

// Events returns the outbox events committed so far.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.events...)
}

// Bookings returns every stored booking ordered by start.
func (s *Store) Bookings() []model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, b)
	}
	sortByStart(out)
	return out
}

// ReplaceCalendar implements calcache.Store.
func (s *Store) ReplaceCalendar(_ context.Context, calendarID string, events []model.CachedExternalEvent, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.cache[cacheKey{e.ExternalEventID, e.CalendarID}] = e
	}
	for k, e := range s.cache {
		if k.calendarID == calendarID && e.FetchedAt.Before(fetchedAt) {
			delete(s.cache, k)
		}
	}
	return nil
}

// PurgeExpired implements calcache.Store.
func (s *Store) PurgeExpired(_ context.Context, now time.Time, keep []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	var n int64
	for k, e := range s.cache {
		if skip[k.calendarID] || e.ExpiresAt.After(now) {
			continue
		}
		delete(s.cache, k)
		n++
	}
	return n, nil
}

// Cached returns every cache row ordered by start.
func (s *Store) Cached() []model.CachedExternalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedOverlapping(time.Time{}, time.Unix(1<<40, 0))
}

func (s *Store) cachedOverlapping(from, to time.Time) []model.CachedExternalEvent {
	out := []model.CachedExternalEvent{}
	for _, e := range s.cache {
		if e.StartUTC.Before(to) && from.Before(e.EndUTC) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartUTC.Equal(out[j].StartUTC) {
			return out[i].StartUTC.Before(out[j].StartUTC)
		}
		return out[i].ExternalEventID < out[j].ExternalEventID
	})
	return out
}

type memTx struct {
	store    *Store
	bookings map[string]model.Booking
	events   []outbox.Event
}

func (t *memTx) ActiveOverlapping(_ context.Context, from, to time.Time) ([]model.Booking, error) {
	return activeOverlapping(t.bookings, from, to), nil
}

func (t *memTx) CachedOverlapping(_ context.Context, from, to time.Time) ([]model.CachedExternalEvent, error) {
	return t.store.cachedOverlapping(from, to), nil
}

// Insert enforces the same constraints as the bookings table: unique id and
// token, and no overlap between active buffered intervals.
func (t *memTx) Insert(_ context.Context, b model.Booking) error {
	if _, ok := t.bookings[b.ID]; ok {
		return errors.Newf("duplicate booking id %s", b.ID)
	}
	for _, o := range t.bookings {
		if o.CancelToken == b.CancelToken {
			return errors.New("duplicate cancel token")
		}
		if b.Status.Active() && o.Status.Active() &&
			b.BufferedStart().Before(o.BufferedEnd()) && o.BufferedStart().Before(b.BufferedEnd()) {
			return errors.Mark(errors.Newf("booking %s overlaps %s", b.ID, o.ID), holds.ErrConflict)
		}
	}
	t.bookings[b.ID] = b
	return nil
}

func (t *memTx) Get(_ context.Context, id string) (model.Booking, error) {
	b, ok := t.bookings[id]
	if !ok {
		return model.Booking{}, notFound("booking %s", id)
	}
	return b, nil
}

func (t *memTx) GetByToken(_ context.Context, token string) (model.Booking, error) {
	return byToken(t.bookings, token)
}

func (t *memTx) CompareAndSwap(_ context.Context, b model.Booking, from model.Status) (bool, error) {
	cur, ok := t.bookings[b.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	t.bookings[b.ID] = b
	return true, nil
}

func (t *memTx) ExpireHolds(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	var due []model.Booking
	for _, b := range t.bookings {
		if b.Status == model.StatusHeld && b.HoldExpiresUTC != nil && !b.HoldExpiresUTC.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].HoldExpiresUTC.Before(*due[j].HoldExpiresUTC) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		at := now
		due[i].Status = model.StatusCancelled
		due[i].HoldExpiresUTC = nil
		due[i].CancelledAt = &at
		due[i].CancelReason = "expired"
		t.bookings[due[i].ID] = due[i]
	}
	return due, nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.events = append(t.events, evt)
	return nil
}

func activeOverlapping(bookings map[string]model.Booking, from, to time.Time) []model.Booking {
	out := []model.Booking{}
	for _, b := range bookings {
		if b.Status.Active() && b.BufferedStart().Before(to) && from.Before(b.BufferedEnd()) {
			out = append(out, b)
		}
	}
	sortByStart(out)
	return out
}

func byToken(bookings map[string]model.Booking, token string) (model.Booking, error) {
	for _, b := range bookings {
		if b.CancelToken == token {
			return b, nil
		}
	}
	return model.Booking{}, notFound("cancel token")
}

func sortByStart(bs []model.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].StartUTC.Equal(bs[j].StartUTC) {
			return bs[i].StartUTC.Before(bs[j].StartUTC)
		}
		return bs[i].ID < bs[j].ID
	})
}

func notFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format+" not found", args...), holds.ErrNotFound)
}
