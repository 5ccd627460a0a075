package holds

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
)

// Tx is the unit of work the manager runs its state transitions in. Reads
// that feed a write lock what they return.
type Tx interface {
	// ActiveOverlapping returns held and confirmed bookings whose buffered
	// interval intersects [from, to).
	ActiveOverlapping(ctx context.Context, from, to time.Time) ([]model.Booking, error)
	// CachedOverlapping returns cached external events intersecting [from, to).
	CachedOverlapping(ctx context.Context, from, to time.Time) ([]model.CachedExternalEvent, error)
	// Insert stores a new booking. An overlap with another active booking
	// is reported as ErrConflict.
	Insert(ctx context.Context, b model.Booking) error
	Get(ctx context.Context, id string) (model.Booking, error)
	GetByToken(ctx context.Context, token string) (model.Booking, error)
	// CompareAndSwap writes b's mutable fields only if the stored status is
	// still from. It reports whether the row was updated.
	CompareAndSwap(ctx context.Context, b model.Booking, from model.Status) (bool, error)
	// ExpireHolds cancels up to limit held bookings whose expiry is at or
	// before now and returns them.
	ExpireHolds(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// Store is the persistent booking store.
type Store interface {
	// Within runs fn in a serializable transaction. fn may run more than
	// once when the transaction has to be retried.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Snapshot reads active bookings and cached events intersecting
	// [from, to) at a single point in time.
	Snapshot(ctx context.Context, from, to time.Time) (availability.Snapshot, error)
	FindByID(ctx context.Context, id string) (model.Booking, error)
	FindByToken(ctx context.Context, token string) (model.Booking, error)
}

// Calendar is the part of an external calendar the manager mirrors to.
type Calendar interface {
	CreateEvent(ctx context.Context, iv extcal.Interval, who extcal.Attendee) (string, error)
	DeleteEvent(ctx context.Context, externalEventID string) error
}
