package availability

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// OffsetMinutes returns the zone's UTC offset in minutes for the civil date
// year-month-day. It samples the wall clock of loc at UTC midnight of that
// date, so it must be called per date: the answer changes across daylight
// saving transitions inside the booking horizon.
//
// On a transition day the sample reflects whichever side of the change holds
// at 00:00 UTC. West of UTC that is still the previous local evening, so
// America/New_York on its spring-forward date reports -5h and a 09:00 window
// anchors to 14:00Z (10:00 EDT). East of UTC the sample falls after an early
// morning switch and reports the new offset.
func OffsetMinutes(loc *time.Location, year int, month time.Month, day int) int {
	local := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if local.Day() != day {
		// West of UTC the wall clock is still on the previous day.
		minutes -= 24 * 60
	}
	return minutes
}

// OffsetHours is OffsetMinutes in whole hours.
func OffsetHours(loc *time.Location, year int, month time.Month, day int) int {
	return OffsetMinutes(loc, year, month, day) / 60
}

// AnchorUTC converts a local wall-clock time on the given civil date into a
// UTC instant using that date's offset.
func AnchorUTC(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	offset := OffsetMinutes(loc, year, month, day)
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC).Add(-time.Duration(offset) * time.Minute)
}

// DateKey formats a civil date as YYYY-MM-DD.
func DateKey(year int, month time.Month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, int(month), day)
}

// ParseDateKey parses YYYY-MM-DD, rejecting dates that do not exist.
func ParseDateKey(s string) (year int, month time.Month, day int, err error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, 0, 0, errors.Newf("invalid date %q", s)
	}
	return t.Year(), t.Month(), t.Day(), nil
}
