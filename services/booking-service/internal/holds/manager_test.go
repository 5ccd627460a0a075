package holds_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/storage/memory"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeCalendar struct {
	mu        sync.Mutex
	n         int
	created   []string
	deleted   []string
	createErr error
	onCreate  func()
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ extcal.Interval, _ extcal.Attendee) (string, error) {
	f.mu.Lock()
	hook, err := f.onCreate, f.createErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("evt-%d", f.n)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCalendar) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func slotsConfig() availability.Config {
	cfg := availability.DefaultConfig()
	cfg.MinNotice = 0
	cfg.SameDayCutoffHour = -1
	cfg.NextDayCutoffHour = -1
	return cfg
}

func newManager(t *testing.T, cal holds.Calendar) (*holds.Manager, *memory.Store, *clock) {
	t.Helper()
	store := memory.New()
	clk := &clock{t: base}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := holds.NewManager(store, cal, slotsConfig(), holds.Config{HoldTTL: 15 * time.Minute}, logger, holds.WithClock(clk.Now))
	return m, store, clk
}

func contact() holds.Contact {
	return holds.Contact{
		Name:    "Ada Lovelace",
		Email:   "ada@example.com",
		Details: model.Details{MeetingType: model.MeetingVideo},
	}
}

func candidate(start time.Time, minutes int) holds.Candidate {
	return holds.Candidate{
		Start:           start,
		End:             start.Add(time.Duration(minutes) * time.Minute),
		BufferBeforeMin: 15,
		BufferAfterMin:  15,
		Contact:         contact(),
	}
}

func eventTypes(store *memory.Store) []string {
	var out []string
	for _, e := range store.Events() {
		out = append(out, e.EventType)
	}
	return out
}

func TestCreateHoldNeverOverlaps(t *testing.T) {
	m, store, _ := newManager(t, nil)
	ctx := context.Background()

	const workers, perWorker = 8, 40
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				start := base.Add(time.Duration(rng.Intn(48*4)) * 15 * time.Minute)
				c := holds.Candidate{
					Start:           start,
					End:             start.Add(time.Duration(15+rng.Intn(12)*15) * time.Minute),
					BufferBeforeMin: rng.Intn(31),
					BufferAfterMin:  rng.Intn(31),
					Contact:         contact(),
				}
				if _, err := m.CreateHold(ctx, c); err != nil && !errors.Is(err, holds.ErrConflict) {
					errs <- err
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	bookings := store.Bookings()
	if len(bookings) == 0 {
		t.Fatalf("expected some holds to succeed")
	}
	for i := range bookings {
		for j := i + 1; j < len(bookings); j++ {
			a, b := bookings[i], bookings[j]
			if a.BufferedStart().Before(b.BufferedEnd()) && b.BufferedStart().Before(a.BufferedEnd()) {
				t.Fatalf("bookings %s and %s overlap: [%s,%s) [%s,%s)", a.ID, b.ID,
					a.BufferedStart(), a.BufferedEnd(), b.BufferedStart(), b.BufferedEnd())
			}
		}
	}
	if got, want := len(store.Events()), len(bookings); got != want {
		t.Fatalf("expected one created event per hold, got %d events for %d holds", got, want)
	}
}

func TestCreateHoldConflictWritesNothing(t *testing.T) {
	m, store, _ := newManager(t, nil)
	ctx := context.Background()
	start := base.Add(4 * time.Hour)

	first, err := m.CreateHold(ctx, candidate(start, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != model.StatusHeld {
		t.Fatalf("expected held, got %s", first.Status)
	}
	if want := base.Add(15 * time.Minute); first.HoldExpiresUTC == nil || !first.HoldExpiresUTC.Equal(want) {
		t.Fatalf("expected expiry %s, got %v", want, first.HoldExpiresUTC)
	}

	// Starts inside the first booking's after-buffer.
	_, err = m.CreateHold(ctx, candidate(start.Add(70*time.Minute), 60))
	if !errors.Is(err, holds.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := len(store.Bookings()); n != 1 {
		t.Fatalf("expected 1 booking, got %d", n)
	}
	if got := eventTypes(store); len(got) != 1 || got[0] != outbox.TypeHoldCreated {
		t.Fatalf("unexpected events: %v", got)
	}

	// Buffers touching end to end are fine.
	if _, err := m.CreateHold(ctx, candidate(start.Add(90*time.Minute), 60)); err != nil {
		t.Fatalf("adjacent create: %v", err)
	}
}

func TestCreateHoldRespectsCachedExternalEvents(t *testing.T) {
	m, store, _ := newManager(t, nil)
	ctx := context.Background()
	start := base.Add(5 * time.Hour)

	err := store.ReplaceCalendar(ctx, "work", []model.CachedExternalEvent{{
		ExternalEventID: "x1",
		CalendarID:      "work",
		StartUTC:        start.Add(70 * time.Minute),
		EndUTC:          start.Add(2 * time.Hour),
		FetchedAt:       base,
		ExpiresAt:       base.Add(time.Hour),
	}}, base)
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	// The external buffer alone reaches the event.
	if _, err := m.CreateHold(ctx, candidate(start, 60)); !errors.Is(err, holds.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := m.CreateHold(ctx, candidate(start.Add(-time.Hour), 60)); err != nil {
		t.Fatalf("earlier slot: %v", err)
	}
}

func TestCreateHoldBuffersDoNotStackOnExternalEvents(t *testing.T) {
	m, store, _ := newManager(t, nil)
	ctx := context.Background()
	start := base.Add(5 * time.Hour)

	// Only the external buffer separates the hold from the event, so a
	// start 80 minutes out leaves room.
	err := store.ReplaceCalendar(ctx, "work", []model.CachedExternalEvent{{
		ExternalEventID: "x1",
		CalendarID:      "work",
		StartUTC:        start.Add(80 * time.Minute),
		EndUTC:          start.Add(2 * time.Hour),
		FetchedAt:       base,
		ExpiresAt:       base.Add(time.Hour),
	}}, base)
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, err := m.CreateHold(ctx, candidate(start, 60)); err != nil {
		t.Fatalf("create next to external event: %v", err)
	}
}

func TestCreateFromLocalRequest(t *testing.T) {
	loc, err := time.LoadLocation("Pacific/Auckland")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	cfg := slotsConfig()
	cfg.Location = loc
	clk := &clock{t: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}
	m := holds.NewManager(memory.New(), nil, cfg, holds.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), holds.WithClock(clk.Now))

	b, err := m.Create(context.Background(), holds.HoldRequest{Date: "2026-01-15", Time: "10:00", DurationMin: 60, Contact: contact()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := time.Date(2026, 1, 14, 21, 0, 0, 0, time.UTC); !b.StartUTC.Equal(want) {
		t.Fatalf("expected start %s, got %s", want, b.StartUTC)
	}
	if b.BufferBeforeMin != 15 || b.BufferAfterMin != 15 {
		t.Fatalf("expected configured buffers, got %d/%d", b.BufferBeforeMin, b.BufferAfterMin)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()

	inPerson := contact()
	inPerson.Details = model.Details{MeetingType: model.MeetingInPerson}
	badEmail := contact()
	badEmail.Email = "not an email"
	unknownType := contact()
	unknownType.Details.MeetingType = "carrier_pigeon"

	tests := []struct {
		name string
		req  holds.HoldRequest
		want error
	}{
		{"bad date", holds.HoldRequest{Date: "2026-02-30", Time: "10:00", DurationMin: 60, Contact: contact()}, holds.ErrValidation},
		{"unknown window", holds.HoldRequest{Date: "2026-03-03", Time: "10:30", DurationMin: 60, Contact: contact()}, holds.ErrValidation},
		{"bad duration", holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 45, Contact: contact()}, holds.ErrValidation},
		{"bad email", holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 60, Contact: badEmail}, holds.ErrValidation},
		{"address required", holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 60, Contact: inPerson}, holds.ErrValidation},
		{"unknown meeting type", holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 60, Contact: unknownType}, holds.ErrValidation},
		{"beyond horizon", holds.HoldRequest{Date: "2026-06-01", Time: "10:00", DurationMin: 60, Contact: contact()}, holds.ErrConflict},
		{"in the past", holds.HoldRequest{Date: "2026-03-01", Time: "10:00", DurationMin: 60, Contact: contact()}, holds.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSweepBoundary(t *testing.T) {
	m, store, clk := newManager(t, nil)
	ctx := context.Background()
	T := base.Add(time.Hour)

	clk.Set(T.Add(-15*time.Minute - time.Second))
	early, err := m.CreateHold(ctx, candidate(base.Add(6*time.Hour), 60))
	if err != nil {
		t.Fatalf("create early: %v", err)
	}
	clk.Set(T.Add(-15*time.Minute + time.Second))
	late, err := m.CreateHold(ctx, candidate(base.Add(9*time.Hour), 60))
	if err != nil {
		t.Fatalf("create late: %v", err)
	}

	clk.Set(T)
	n, err := m.Sweep(ctx, T)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired hold, got %d", n)
	}
	if b, _ := store.FindByID(ctx, early.ID); b.Status != model.StatusCancelled || b.HoldExpiresUTC != nil {
		t.Fatalf("expected early hold cancelled, got %s", b.Status)
	}
	if b, _ := store.FindByID(ctx, late.ID); b.Status != model.StatusHeld {
		t.Fatalf("expected late hold untouched, got %s", b.Status)
	}

	n, err = m.Sweep(ctx, T)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	types := eventTypes(store)
	if types[len(types)-1] != outbox.TypeHoldExpired {
		t.Fatalf("expected expired event last, got %v", types)
	}
}

func TestSweepBatches(t *testing.T) {
	store := memory.New()
	clk := &clock{t: base}
	m := holds.NewManager(store, nil, slotsConfig(), holds.Config{SweepBatch: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)), holds.WithClock(clk.Now))
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, err := m.CreateHold(ctx, candidate(base.Add(time.Duration(i*3)*time.Hour), 60)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	n, err := m.Sweep(ctx, base.Add(time.Hour))
	if err != nil || n != 7 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	cal := &fakeCalendar{}
	m, store, _ := newManager(t, cal)
	ctx := context.Background()

	held, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	confirmed, err := m.Confirm(ctx, held.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.ExternalEventID != "evt-1" {
		t.Fatalf("expected mirrored event id, got %q", confirmed.ExternalEventID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.Cancel(ctx, held.CancelToken, "changed plans")
			if err != nil {
				t.Errorf("cancel: %v", err)
				return
			}
			if b.Status != model.StatusCancelled {
				t.Errorf("expected cancelled, got %s", b.Status)
			}
		}()
	}
	wg.Wait()

	if got := cal.Deleted(); len(got) != 1 || got[0] != "evt-1" {
		t.Fatalf("expected exactly one external delete, got %v", got)
	}
	cancelled := 0
	for _, typ := range eventTypes(store) {
		if typ == outbox.TypeCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Fatalf("expected one cancelled event, got %d", cancelled)
	}

	// The slot is free again.
	if _, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60)); err != nil {
		t.Fatalf("rebook: %v", err)
	}
}

func TestCancelHeldWithoutExternalEvent(t *testing.T) {
	cal := &fakeCalendar{}
	m, _, _ := newManager(t, cal)
	ctx := context.Background()
	held, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := m.Cancel(ctx, held.CancelToken, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.CancelledAt == nil || !b.CancelledAt.Equal(base) {
		t.Fatalf("expected cancelled_at %s, got %v", base, b.CancelledAt)
	}
	if len(cal.Deleted()) != 0 {
		t.Fatalf("expected no external delete, got %v", cal.Deleted())
	}
}

func TestCancelUnknownToken(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()
	for _, token := range []string{"", "short", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		if _, err := m.Cancel(ctx, token, ""); !errors.Is(err, holds.ErrNotFound) {
			t.Fatalf("cancel %q: expected not found, got %v", token, err)
		}
		if _, err := m.Lookup(ctx, token); !errors.Is(err, holds.ErrNotFound) {
			t.Fatalf("lookup %q: expected not found, got %v", token, err)
		}
	}
}

func TestConfirmAfterSweepIsExpiryRace(t *testing.T) {
	cal := &fakeCalendar{}
	m, _, clk := newManager(t, cal)
	ctx := context.Background()
	held, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Set(base.Add(20 * time.Minute))
	if _, err := m.Sweep(ctx, clk.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	b, err := m.Confirm(ctx, held.ID)
	if !errors.Is(err, holds.ErrExpiryRace) {
		t.Fatalf("expected expiry race, got %v", err)
	}
	if b.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled booking, got %s", b.Status)
	}
	if len(cal.created) != 0 {
		t.Fatalf("expected no mirror attempt, got %v", cal.created)
	}
}

func TestConfirmLosesToSweepDuringMirror(t *testing.T) {
	cal := &fakeCalendar{}
	m, store, clk := newManager(t, cal)
	ctx := context.Background()
	held, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cal.onCreate = func() {
		clk.Set(base.Add(16 * time.Minute))
		if _, err := m.Sweep(ctx, clk.Now()); err != nil {
			t.Errorf("sweep: %v", err)
		}
	}

	if _, err := m.Confirm(ctx, held.ID); !errors.Is(err, holds.ErrExpiryRace) {
		t.Fatalf("expected expiry race, got %v", err)
	}
	if got := cal.Deleted(); len(got) != 1 || got[0] != "evt-1" {
		t.Fatalf("expected orphaned event deleted, got %v", got)
	}
	if b, _ := store.FindByID(ctx, held.ID); b.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", b.Status)
	}
}

func TestConfirmMirrorFailureKeepsHold(t *testing.T) {
	cal := &fakeCalendar{createErr: errors.New("calendar unavailable")}
	m, store, _ := newManager(t, cal)
	ctx := context.Background()
	held, err := m.CreateHold(ctx, candidate(base.Add(4*time.Hour), 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	b, err := m.Confirm(ctx, held.ID)
	if !errors.Is(err, holds.ErrExternalIntegration) {
		t.Fatalf("expected integration error, got %v", err)
	}
	if b.ID != held.ID || b.Status != model.StatusHeld {
		t.Fatalf("expected the held booking back, got %+v", b)
	}
	types := eventTypes(store)
	if types[len(types)-1] != outbox.TypeMirrorFailed {
		t.Fatalf("expected mirror failed event, got %v", types)
	}

	// A retry after the calendar recovers confirms the same hold.
	cal.mu.Lock()
	cal.createErr = nil
	cal.mu.Unlock()
	b, err = m.Confirm(ctx, held.ID)
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if b.Status != model.StatusConfirmed || b.ExternalEventID != "evt-1" || b.HoldExpiresUTC != nil {
		t.Fatalf("unexpected confirmed booking: %+v", b)
	}

	again, err := m.Confirm(ctx, held.ID)
	if err != nil || again.ExternalEventID != "evt-1" {
		t.Fatalf("repeat confirm: %+v %v", again, err)
	}
	if len(cal.created) != 1 {
		t.Fatalf("expected a single mirrored event, got %v", cal.created)
	}
}

func TestReserveWithoutCalendar(t *testing.T) {
	m, store, _ := newManager(t, nil)
	b, err := m.Reserve(context.Background(), holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 120, Contact: contact()})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if b.Status != model.StatusConfirmed || b.ExternalEventID != "" {
		t.Fatalf("unexpected booking: %+v", b)
	}
	got := eventTypes(store)
	if len(got) != 2 || got[0] != outbox.TypeHoldCreated || got[1] != outbox.TypeConfirmed {
		t.Fatalf("unexpected events: %v", got)
	}

	found, err := m.Lookup(context.Background(), b.CancelToken)
	if err != nil || found.ID != b.ID {
		t.Fatalf("lookup: %+v %v", found, err)
	}
}

func TestConfirmUnknownHold(t *testing.T) {
	m, _, _ := newManager(t, nil)
	if _, err := m.Confirm(context.Background(), "missing"); !errors.Is(err, holds.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDaysReflectsHolds(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()
	req := holds.HoldRequest{Date: "2026-03-03", Time: "10:00", DurationMin: 60, Contact: contact()}
	if _, err := m.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	days, err := m.Days(ctx)
	if err != nil {
		t.Fatalf("days: %v", err)
	}
	for _, d := range days {
		if d.DateKey != "2026-03-03" {
			continue
		}
		for _, w := range d.Windows {
			if w.Value == "10:00" && (w.AvailableShort || w.AvailableLong) {
				t.Fatalf("expected 10:00 to be taken, got %+v", w)
			}
		}
		return
	}
	t.Fatalf("2026-03-03 missing from %v", days)
}
