package availability

import (
	"time"

	"github.com/cockroachdb/errors"
)

type TimeWindow struct {
	Value          string `json:"value"`
	AvailableShort bool   `json:"available_short"`
	AvailableLong  bool   `json:"available_long"`
}

type BookableDay struct {
	DateKey     string       `json:"date_key"`
	Windows     []TimeWindow `json:"windows"`
	HasAnySlots bool         `json:"has_any_slots"`
}

var (
	// ErrInvalidSlot means the request is malformed: unknown date, window or duration.
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrSlotUnavailable means the slot is well formed but closed by the
	// horizon or the temporal rules.
	ErrSlotUnavailable = errors.New("slot unavailable")
)

// Generate computes the bookable days for the horizon starting at now's
// local date. Today is omitted once none of its windows is available; every
// other day is always present.
func Generate(cfg Config, now time.Time, snap Snapshot) []BookableDay {
	days := make([]BookableDay, 0, cfg.MaxAdvanceDays)
	for i := 0; i < cfg.MaxAdvanceDays; i++ {
		y, m, d := civilDay(cfg.Location, now, i)
		day := BookableDay{DateKey: DateKey(y, m, d), Windows: make([]TimeWindow, 0, len(cfg.Windows))}

		for _, w := range cfg.Windows {
			start := AnchorUTC(cfg.Location, y, m, d, w.Hour, w.Minute)
			tw := TimeWindow{Value: w.Value()}
			if !cfg.gated(now, i, w, start) {
				tw.AvailableShort = cfg.CandidateFree(start, start.Add(cfg.ShortDuration), snap)
				// The long interval contains the short one.
				tw.AvailableLong = tw.AvailableShort && cfg.CandidateFree(start, start.Add(cfg.LongDuration), snap)
			}
			if tw.AvailableShort {
				day.HasAnySlots = true
			}
			day.Windows = append(day.Windows, tw)
		}

		if i == 0 && !day.HasAnySlots {
			continue
		}
		days = append(days, day)
	}
	return days
}

// CandidateFree is the check shared by Generate and hold creation. Against
// bookings the candidate carries the buffers it would be stored with, so two
// buffered intervals never meet. External events only get ExternalBuffer;
// the candidate's own buffers do not stack on top of it.
func (c Config) CandidateFree(start, end time.Time, snap Snapshot) bool {
	return IsFree(start.Add(-c.BufferBefore), end.Add(c.BufferAfter), snap.Bookings, nil, 0) &&
		IsFree(start, end, nil, snap.External, c.ExternalBuffer)
}

// ResolveSlot turns a (date, HH:MM, minutes) request into its UTC interval
// and applies the same horizon and temporal rules as Generate. Conflicts with
// other bookings are not checked here.
func ResolveSlot(cfg Config, now time.Time, dateKey, value string, durationMin int) (Interval, error) {
	y, m, d, err := ParseDateKey(dateKey)
	if err != nil {
		return Interval{}, errors.Mark(err, ErrInvalidSlot)
	}
	w, ok := cfg.window(value)
	if !ok {
		return Interval{}, errors.Mark(errors.Newf("time %q is not a bookable window", value), ErrInvalidSlot)
	}
	duration := time.Duration(durationMin) * time.Minute
	if duration != cfg.ShortDuration && duration != cfg.LongDuration {
		return Interval{}, errors.Mark(errors.Newf("unsupported duration %d", durationMin), ErrInvalidSlot)
	}

	ty, tm, td := civilDay(cfg.Location, now, 0)
	dayIndex := int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Sub(time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour))
	if dayIndex < 0 || dayIndex >= cfg.MaxAdvanceDays {
		return Interval{}, errors.Mark(errors.Newf("date %s is outside the booking horizon", dateKey), ErrSlotUnavailable)
	}

	start := AnchorUTC(cfg.Location, y, m, d, w.Hour, w.Minute)
	if cfg.gated(now, dayIndex, w, start) {
		return Interval{}, errors.Mark(errors.Newf("window %s %s is closed", dateKey, value), ErrSlotUnavailable)
	}
	return Interval{Start: start, End: start.Add(duration)}, nil
}

// SnapshotRange bounds the bookings and cached events that can affect the
// horizon beginning at now.
func SnapshotRange(cfg Config, now time.Time) (from, to time.Time) {
	y, m, d := civilDay(cfg.Location, now, 0)
	from = AnchorUTC(cfg.Location, y, m, d, 0, 0).Add(-24 * time.Hour)
	ey, em, ed := civilDay(cfg.Location, now, cfg.MaxAdvanceDays)
	to = AnchorUTC(cfg.Location, ey, em, ed, 0, 0).Add(24 * time.Hour)
	return from, to
}

// civilDay returns the local civil date offset days after now's local date.
func civilDay(loc *time.Location, now time.Time, offset int) (int, time.Month, int) {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day()+offset, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month(), t.Day()
}
