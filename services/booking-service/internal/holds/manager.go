package holds

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/apptholds/libs/otel"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
)

type Config struct {
	HoldTTL time.Duration
	// MirrorTimeout bounds every external calendar call.
	MirrorTimeout time.Duration
	SweepBatch    int
}

func (c Config) withDefaults() Config {
	if c.HoldTTL <= 0 {
		c.HoldTTL = 15 * time.Minute
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 10 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 200
	}
	return c
}

// Manager owns the held -> confirmed -> cancelled lifecycle.
//
// The calendar is optional. Without one, confirmation succeeds with no
// external event and cancellation deletes nothing.
type Manager struct {
	store    Store
	calendar Calendar
	slots    availability.Config
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, calendar Calendar, slots availability.Config, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		calendar: calendar,
		slots:    slots,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		tracer:   otelx.Tracer("booking-service/holds"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Contact is who the booking is for.
type Contact struct {
	Name    string
	Email   string
	Details model.Details
}

// HoldRequest is a hold expressed in the business's local terms.
type HoldRequest struct {
	Date        string // YYYY-MM-DD
	Time        string // HH:MM, one of the configured windows
	DurationMin int
	Contact     Contact
}

// Candidate is a hold expressed as a UTC interval.
type Candidate struct {
	Start           time.Time
	End             time.Time
	BufferBeforeMin int
	BufferAfterMin  int
	Contact         Contact
}

// Days lists the bookable days of the horizon starting now.
func (m *Manager) Days(ctx context.Context) ([]availability.BookableDay, error) {
	now := m.now()
	from, to := availability.SnapshotRange(m.slots, now)
	snap, err := m.store.Snapshot(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "read availability snapshot")
	}
	return availability.Generate(m.slots, now, snap), nil
}

// Create validates a local-time request and places a hold for it with the
// configured buffers.
func (m *Manager) Create(ctx context.Context, req HoldRequest) (model.Booking, error) {
	if err := req.Contact.validate(); err != nil {
		return model.Booking{}, err
	}
	iv, err := availability.ResolveSlot(m.slots, m.now(), req.Date, req.Time, req.DurationMin)
	if err != nil {
		if errors.Is(err, availability.ErrInvalidSlot) {
			return model.Booking{}, errors.Mark(err, ErrValidation)
		}
		return model.Booking{}, errors.Mark(err, ErrConflict)
	}
	return m.CreateHold(ctx, Candidate{
		Start:           iv.Start,
		End:             iv.End,
		BufferBeforeMin: m.slots.BufferBeforeMin(),
		BufferAfterMin:  m.slots.BufferAfterMin(),
		Contact:         req.Contact,
	})
}

// CreateHold places a hold iff the buffered candidate is clear of every
// active booking and cached external event. The check and the insert run in
// one serializable transaction; on conflict nothing is written.
func (m *Manager) CreateHold(ctx context.Context, c Candidate) (model.Booking, error) {
	ctx, span := m.tracer.Start(ctx, "holds.create")
	defer span.End()

	if !c.End.After(c.Start) {
		return model.Booking{}, validation("end must be after start")
	}
	if c.BufferBeforeMin < 0 || c.BufferAfterMin < 0 {
		return model.Booking{}, validation("buffers must not be negative")
	}
	if err := c.Contact.validate(); err != nil {
		return model.Booking{}, err
	}

	token, err := newCancelToken()
	if err != nil {
		return model.Booking{}, errors.Wrap(err, "generate cancel token")
	}
	now := m.now().UTC()
	expires := now.Add(m.cfg.HoldTTL)
	b := model.Booking{
		ID:              uuid.NewString(),
		ContactName:     strings.TrimSpace(c.Contact.Name),
		ContactEmail:    strings.TrimSpace(c.Contact.Email),
		Details:         c.Contact.Details,
		StartUTC:        c.Start.UTC(),
		EndUTC:          c.End.UTC(),
		Status:          model.StatusHeld,
		BufferBeforeMin: c.BufferBeforeMin,
		BufferAfterMin:  c.BufferAfterMin,
		HoldExpiresUTC:  &expires,
		CancelToken:     token,
		CreatedAt:       now,
	}
	span.SetAttributes(attribute.String("booking.id", b.ID))

	ext := m.slots.ExternalBuffer
	err = m.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		active, err := tx.ActiveOverlapping(ctx, b.BufferedStart(), b.BufferedEnd())
		if err != nil {
			return err
		}
		cached, err := tx.CachedOverlapping(ctx, b.StartUTC.Add(-ext), b.EndUTC.Add(ext))
		if err != nil {
			return err
		}
		// The hold's own buffers apply against bookings only, matching
		// Config.CandidateFree.
		if !availability.IsFree(b.BufferedStart(), b.BufferedEnd(), active, nil, 0) ||
			!availability.IsFree(b.StartUTC, b.EndUTC, nil, cached, ext) {
			return errors.Mark(errors.Newf("interval %s overlaps an existing booking or event", b.StartUTC.Format(time.RFC3339)), ErrConflict)
		}
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		return appendEvent(ctx, tx, outbox.TypeHoldCreated, b, "", now)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			m.logger.Info("hold rejected", "start_utc", b.StartUTC, "err", err)
		}
		recordErr(span, err)
		return model.Booking{}, err
	}

	m.logger.Info("hold created",
		"booking_id", b.ID,
		"start_utc", b.StartUTC,
		"hold_expires_utc", expires,
		"token_fp", Fingerprint(token),
	)
	return b, nil
}

// Reserve places a hold and immediately confirms it. When only the calendar
// mirror fails, the held booking is returned together with an
// ErrExternalIntegration error.
func (m *Manager) Reserve(ctx context.Context, req HoldRequest) (model.Booking, error) {
	b, err := m.Create(ctx, req)
	if err != nil {
		return model.Booking{}, err
	}
	return m.Confirm(ctx, b.ID)
}

// Confirm mirrors a held booking to the external calendar and then moves it
// to confirmed. A mirror failure leaves the booking held, writes a
// mirror-failed event and returns the booking with ErrExternalIntegration.
func (m *Manager) Confirm(ctx context.Context, holdID string) (model.Booking, error) {
	ctx, span := m.tracer.Start(ctx, "holds.confirm", trace.WithAttributes(attribute.String("booking.id", holdID)))
	defer span.End()

	b, err := m.store.FindByID(ctx, holdID)
	if err != nil {
		recordErr(span, err)
		return model.Booking{}, err
	}
	switch {
	case b.Status == model.StatusConfirmed:
		return b, nil
	case b.Status != model.StatusHeld || m.expired(b):
		err := errors.Mark(errors.Newf("booking %s is %s", b.ID, b.Status), ErrExpiryRace)
		recordErr(span, err)
		return b, err
	}

	externalID := ""
	if m.calendar != nil {
		externalID, err = m.mirror(ctx, b)
		if err != nil {
			m.logger.Warn("calendar mirror failed; booking stays held", "booking_id", b.ID, "err", err)
			m.recordMirrorFailure(ctx, b)
			err = errors.Mark(errors.Wrap(err, "mirror booking"), ErrExternalIntegration)
			recordErr(span, err)
			return b, err
		}
	}

	confirmed, err := m.ConfirmHold(ctx, holdID, externalID)
	if externalID != "" && (err != nil || confirmed.ExternalEventID != externalID) {
		// Lost to the sweep or to a concurrent confirm: our event is an orphan.
		m.deleteExternal(ctx, externalID, holdID)
	}
	if err != nil {
		recordErr(span, err)
	}
	return confirmed, err
}

// ConfirmHold is the compare-and-swap held -> confirmed. It re-reads the
// booking under lock, so a hold the sweep cancelled in the meantime yields
// ErrExpiryRace instead of being resurrected. Confirming a confirmed booking
// returns it unchanged.
func (m *Manager) ConfirmHold(ctx context.Context, holdID, externalEventID string) (model.Booking, error) {
	var out model.Booking
	err := m.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if b.Status == model.StatusConfirmed {
			out = b
			return nil
		}
		if b.Status != model.StatusHeld || m.expired(b) {
			out = b
			return errors.Mark(errors.Newf("booking %s is %s", b.ID, b.Status), ErrExpiryRace)
		}

		next := b
		next.Status = model.StatusConfirmed
		next.HoldExpiresUTC = nil
		next.ExternalEventID = externalEventID
		ok, err := tx.CompareAndSwap(ctx, next, model.StatusHeld)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Mark(errors.Newf("booking %s changed during confirmation", b.ID), ErrExpiryRace)
		}
		out = next
		return appendEvent(ctx, tx, outbox.TypeConfirmed, next, "", m.now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrExpiryRace) {
			m.logger.Info("confirm lost to expiry", "booking_id", holdID)
		}
		return out, err
	}
	m.logger.Info("booking confirmed", "booking_id", out.ID, "external_event_id", out.ExternalEventID)
	return out, nil
}

// Cancel moves the booking identified by token to cancelled. Cancelling a
// cancelled booking is a successful no-op. The external event, if any, is
// deleted once, after the local cancellation committed; a failed delete is
// logged and does not fail the cancel.
func (m *Manager) Cancel(ctx context.Context, token, reason string) (model.Booking, error) {
	ctx, span := m.tracer.Start(ctx, "holds.cancel")
	defer span.End()

	if !validTokenShape(token) {
		return model.Booking{}, errors.Mark(errors.New("malformed cancel token"), ErrNotFound)
	}

	var (
		out     model.Booking
		changed bool
	)
	err := m.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		changed = false
		b, err := tx.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		if b.Status == model.StatusCancelled {
			out = b
			return nil
		}

		now := m.now().UTC()
		next := b
		next.Status = model.StatusCancelled
		next.HoldExpiresUTC = nil
		next.CancelledAt = &now
		next.CancelReason = strings.TrimSpace(reason)
		ok, err := tx.CompareAndSwap(ctx, next, b.Status)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Newf("booking %s changed during cancellation", b.ID)
		}
		out, changed = next, true
		return appendEvent(ctx, tx, outbox.TypeCancelled, next, next.CancelReason, now)
	})
	if err != nil {
		recordErr(span, err)
		return model.Booking{}, err
	}
	if !changed {
		m.logger.Info("cancel ignored; already cancelled", "booking_id", out.ID, "token_fp", Fingerprint(token))
		return out, nil
	}

	m.logger.Info("booking cancelled", "booking_id", out.ID, "token_fp", Fingerprint(token))
	if out.ExternalEventID != "" && m.calendar != nil {
		m.deleteExternal(ctx, out.ExternalEventID, out.ID)
	}
	return out, nil
}

// Lookup returns the booking a cancel token belongs to.
func (m *Manager) Lookup(ctx context.Context, token string) (model.Booking, error) {
	if !validTokenShape(token) {
		return model.Booking{}, errors.Mark(errors.New("malformed cancel token"), ErrNotFound)
	}
	return m.store.FindByToken(ctx, token)
}

// Sweep cancels every hold whose expiry is at or before now, in batches.
// It is idempotent and safe to run next to create, confirm and itself.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := m.tracer.Start(ctx, "holds.sweep")
	defer span.End()

	total := 0
	for {
		var batch []model.Booking
		err := m.store.Within(ctx, func(ctx context.Context, tx Tx) error {
			expired, err := tx.ExpireHolds(ctx, now, m.cfg.SweepBatch)
			if err != nil {
				return err
			}
			for _, b := range expired {
				if err := appendEvent(ctx, tx, outbox.TypeHoldExpired, b, "hold expired", now); err != nil {
					return err
				}
			}
			batch = expired
			return nil
		})
		if err != nil {
			recordErr(span, err)
			return total, errors.Wrap(err, "expire holds")
		}
		total += len(batch)
		if len(batch) < m.cfg.SweepBatch {
			break
		}
	}

	span.SetAttributes(attribute.Int("holds.expired", total))
	if total > 0 {
		m.logger.Info("expired holds swept", "count", total)
	}
	return total, nil
}

func (m *Manager) expired(b model.Booking) bool {
	return b.HoldExpiresUTC != nil && !m.now().Before(*b.HoldExpiresUTC)
}

func (m *Manager) mirror(ctx context.Context, b model.Booking) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.MirrorTimeout)
	defer cancel()
	return m.calendar.CreateEvent(ctx,
		extcal.Interval{Start: b.StartUTC, End: b.EndUTC},
		extcal.Attendee{Name: b.ContactName, Email: b.ContactEmail, Notes: describe(b.Details)},
	)
}

func (m *Manager) deleteExternal(ctx context.Context, externalID, bookingID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.MirrorTimeout)
	defer cancel()
	err := m.calendar.DeleteEvent(ctx, externalID)
	if err != nil && !errors.Is(err, extcal.ErrEventNotFound) {
		m.logger.Warn("external event delete failed", "booking_id", bookingID, "external_event_id", externalID, "err", err)
	}
}

func (m *Manager) recordMirrorFailure(ctx context.Context, b model.Booking) {
	err := m.store.Within(context.WithoutCancel(ctx), func(ctx context.Context, tx Tx) error {
		return appendEvent(ctx, tx, outbox.TypeMirrorFailed, b, "calendar sync failed", m.now().UTC())
	})
	if err != nil {
		m.logger.Error("record mirror failure", "booking_id", b.ID, "err", err)
	}
}

func appendEvent(ctx context.Context, tx Tx, eventType string, b model.Booking, reason string, at time.Time) error {
	evt, err := outbox.NewBookingEvent(eventType, outbox.BookingPayload{
		BookingID:       b.ID,
		Status:          string(b.Status),
		StartUTC:        b.StartUTC,
		EndUTC:          b.EndUTC,
		HoldExpiresUTC:  b.HoldExpiresUTC,
		ExternalEventID: b.ExternalEventID,
		Reason:          reason,
		OccurredAt:      at,
	})
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (c Contact) validate() error {
	if name := strings.TrimSpace(c.Name); name == "" || len(name) > 200 {
		return validation("name is required")
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(c.Email)); err != nil {
		return validation("email is invalid")
	}
	d := c.Details
	switch d.MeetingType {
	case model.MeetingInPerson:
		if strings.TrimSpace(d.Address) == "" {
			return validation("address is required for in-person meetings")
		}
	case model.MeetingPhone:
		if strings.TrimSpace(d.Phone) == "" {
			return validation("phone is required for phone meetings")
		}
	case model.MeetingVideo:
	default:
		return validation("unknown meeting type %q", d.MeetingType)
	}
	if len(d.Notes) > 2000 {
		return validation("notes are too long")
	}
	return nil
}

// describe renders the structured details as the mirrored event's body.
func describe(d model.Details) string {
	lines := []string{"Meeting: " + strings.ReplaceAll(string(d.MeetingType), "_", " ")}
	if d.Address != "" {
		lines = append(lines, "Address: "+d.Address)
	}
	if d.Phone != "" {
		lines = append(lines, "Phone: "+d.Phone)
	}
	if d.Notes != "" {
		lines = append(lines, "", d.Notes)
	}
	return strings.Join(lines, "\n")
}
