package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/apptholds/libs/db"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
)

const maxTxAttempts = 5

const bookingColumns = `
	b.id::text, b.contact_name, b.contact_email, b.details, b.start_utc, b.end_utc, b.status,
	b.buffer_before_min, b.buffer_after_min, b.hold_expires_utc, b.cancel_token,
	coalesce(b.external_event_id, ''), coalesce(b.cancel_reason, ''), b.cancelled_at, b.created_at`

type BookingRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewBookingRepository(pool *db.Pool, outboxRepo *outbox.Repository) *BookingRepository {
	return &BookingRepository{pool: pool, outbox: outboxRepo}
}

// Within runs fn in a SERIALIZABLE transaction, retrying serialization
// failures and deadlocks with backoff.
func (r *BookingRepository) Within(ctx context.Context, fn func(ctx context.Context, tx holds.Tx) error) error {
	op := func() (struct{}, error) {
		err := r.attempt(ctx, fn)
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTxAttempts))
	if err != nil && isRetryable(err) {
		// Still contended after every attempt: someone else is writing the
		// same slot.
		return errors.Mark(errors.Wrap(err, "transaction kept conflicting"), holds.ErrConflict)
	}
	return err
}

func (r *BookingRepository) attempt(ctx context.Context, fn func(ctx context.Context, tx holds.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &bookingTx{tx: tx, outbox: r.outbox}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Snapshot reads bookings and cached events from one repeatable-read
// transaction so both lists describe the same instant.
func (r *BookingRepository) Snapshot(ctx context.Context, from, to time.Time) (availability.Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return availability.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bookings, err := queryBookings(ctx, tx, `
		SELECT `+bookingColumns+`
		FROM bookings b
		WHERE b.status IN ('held', 'confirmed')
		  AND tstzrange(b.buffered_start, b.buffered_end, '[)') && tstzrange($1, $2, '[)')
		ORDER BY b.start_utc
	`, from, to)
	if err != nil {
		return availability.Snapshot{}, err
	}
	cached, err := queryCached(ctx, tx, from, to)
	if err != nil {
		return availability.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return availability.Snapshot{}, err
	}
	return availability.Snapshot{Bookings: bookings, External: cached}, nil
}

func (r *BookingRepository) FindByID(ctx context.Context, id string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, errors.Mark(errors.Newf("booking %q", id), holds.ErrNotFound)
	}
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = $1`, id)
	return scanOne(row)
}

func (r *BookingRepository) FindByToken(ctx context.Context, token string) (model.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.cancel_token = $1`, token)
	return scanOne(row)
}

type bookingTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *bookingTx) ActiveOverlapping(ctx context.Context, from, to time.Time) ([]model.Booking, error) {
	return queryBookings(ctx, t.tx, `
		SELECT `+bookingColumns+`
		FROM bookings b
		WHERE b.status IN ('held', 'confirmed')
		  AND tstzrange(b.buffered_start, b.buffered_end, '[)') && tstzrange($1, $2, '[)')
		ORDER BY b.start_utc
		FOR UPDATE
	`, from, to)
}

func (t *bookingTx) CachedOverlapping(ctx context.Context, from, to time.Time) ([]model.CachedExternalEvent, error) {
	return queryCached(ctx, t.tx, from, to)
}

func (t *bookingTx) Insert(ctx context.Context, b model.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings
			(id, contact_name, contact_email, details, start_utc, end_utc,
			 buffer_before_min, buffer_after_min, buffered_start, buffered_end,
			 status, hold_expires_utc, cancel_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.ContactName, b.ContactEmail, b.Details, b.StartUTC, b.EndUTC,
		b.BufferBeforeMin, b.BufferAfterMin, b.BufferedStart(), b.BufferedEnd(),
		string(b.Status), b.HoldExpiresUTC, b.CancelToken, b.CreatedAt)
	switch {
	case err == nil:
		return nil
	case IsConflict(err):
		return errors.Mark(errors.Wrap(err, "insert booking"), holds.ErrConflict)
	case pgCode(err) == codeUniqueViolation:
		return errors.Wrap(err, "insert booking: duplicate id or token")
	default:
		return errors.Wrap(err, "insert booking")
	}
}

func (t *bookingTx) Get(ctx context.Context, id string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, errors.Mark(errors.Newf("booking %q", id), holds.ErrNotFound)
	}
	return scanOne(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = $1 FOR UPDATE`, id))
}

func (t *bookingTx) GetByToken(ctx context.Context, token string) (model.Booking, error) {
	return scanOne(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.cancel_token = $1 FOR UPDATE`, token))
}

func (t *bookingTx) CompareAndSwap(ctx context.Context, b model.Booking, from model.Status) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
			hold_expires_utc = $3,
			external_event_id = nullif($4, ''),
			cancel_reason = nullif($5, ''),
			cancelled_at = $6,
			updated_at = now()
		WHERE id = $1 AND status = $7
	`, b.ID, string(b.Status), b.HoldExpiresUTC, b.ExternalEventID, b.CancelReason, b.CancelledAt, string(from))
	if err != nil {
		return false, errors.Wrap(err, "update booking")
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireHolds skips rows another sweeper or a confirm has locked; they are
// picked up by the next pass if still due.
func (t *bookingTx) ExpireHolds(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	return queryBookings(ctx, t.tx, `
		WITH due AS (
			SELECT id
			FROM bookings
			WHERE status = 'held' AND hold_expires_utc <= $1
			ORDER BY hold_expires_utc
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bookings b
		SET status = 'cancelled',
			hold_expires_utc = NULL,
			cancel_reason = 'expired',
			cancelled_at = $1,
			updated_at = now()
		FROM due
		WHERE b.id = due.id
		RETURNING `+bookingColumns, now, limit)
}

func (t *bookingTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryBookings(ctx context.Context, q querier, sql string, args ...any) ([]model.Booking, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query bookings")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Booking, error) {
		return scanBooking(row)
	})
}

func queryCached(ctx context.Context, q querier, from, to time.Time) ([]model.CachedExternalEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT external_event_id, calendar_id, start_utc, end_utc, fetched_at, expires_at
		FROM cached_external_events
		WHERE tstzrange(start_utc, end_utc, '[)') && tstzrange($1, $2, '[)')
		ORDER BY start_utc
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "query cached events")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CachedExternalEvent, error) {
		var e model.CachedExternalEvent
		err := row.Scan(&e.ExternalEventID, &e.CalendarID, &e.StartUTC, &e.EndUTC, &e.FetchedAt, &e.ExpiresAt)
		e.StartUTC, e.EndUTC = e.StartUTC.UTC(), e.EndUTC.UTC()
		return e, err
	})
}

func scanOne(row pgx.Row) (model.Booking, error) {
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, errors.Mark(errors.New("booking not found"), holds.ErrNotFound)
	}
	return b, err
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b      model.Booking
		status string
	)
	err := row.Scan(&b.ID, &b.ContactName, &b.ContactEmail, &b.Details, &b.StartUTC, &b.EndUTC, &status,
		&b.BufferBeforeMin, &b.BufferAfterMin, &b.HoldExpiresUTC, &b.CancelToken,
		&b.ExternalEventID, &b.CancelReason, &b.CancelledAt, &b.CreatedAt)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.Status(status)
	b.StartUTC, b.EndUTC, b.CreatedAt = b.StartUTC.UTC(), b.EndUTC.UTC(), b.CreatedAt.UTC()
	if b.HoldExpiresUTC != nil {
		t := b.HoldExpiresUTC.UTC()
		b.HoldExpiresUTC = &t
	}
	if b.CancelledAt != nil {
		t := b.CancelledAt.UTC()
		b.CancelledAt = &t
	}
	return b, nil
}
