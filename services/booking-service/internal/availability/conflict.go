package availability

import (
	"time"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Snapshot is the point-in-time state availability is computed from.
type Snapshot struct {
	Bookings []model.Booking
	External []model.CachedExternalEvent
}

// IsFree reports whether [start, end) is clear of every active booking,
// expanded by that booking's own buffers, and of every external event,
// expanded by externalBuffer on both sides. Touching endpoints do not
// conflict.
func IsFree(start, end time.Time, bookings []model.Booking, external []model.CachedExternalEvent, externalBuffer time.Duration) bool {
	for _, b := range bookings {
		if !b.Status.Active() {
			continue
		}
		if overlaps(start, end, b.BufferedStart(), b.BufferedEnd()) {
			return false
		}
	}
	for _, e := range external {
		if overlaps(start, end, e.StartUTC.Add(-externalBuffer), e.EndUTC.Add(externalBuffer)) {
			return false
		}
	}
	return true
}

// Half-open intervals: [start,end) overlaps [bStart,bEnd) iff start < bEnd && bStart < end.
func overlaps(start, end, bStart, bEnd time.Time) bool {
	return start.Before(bEnd) && bStart.Before(end)
}
