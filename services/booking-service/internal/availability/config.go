package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Window is a local time-of-day at which a slot may start.
type Window struct {
	Hour   int
	Minute int
}

func (w Window) Value() string {
	return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
}

// ParseWindow parses HH:MM.
func ParseWindow(s string) (Window, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return Window{}, errors.Newf("invalid time %q", s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Window{}, errors.Newf("invalid time %q", s)
	}
	return Window{Hour: hour, Minute: minute}, nil
}

// HourlyWindows returns one window per hour in [openHour, closeHour).
func HourlyWindows(openHour, closeHour int) []Window {
	var out []Window
	for h := openHour; h < closeHour; h++ {
		out = append(out, Window{Hour: h})
	}
	return out
}

// Config is the immutable scheduling policy of the business. It is built
// once at startup and passed by value.
type Config struct {
	Location       *time.Location
	MaxAdvanceDays int
	Windows        []Window

	ShortDuration time.Duration
	LongDuration  time.Duration

	// Buffers applied to new bookings. Existing bookings carry their own.
	BufferBefore time.Duration
	BufferAfter  time.Duration
	// Applied on both sides of cached external events.
	ExternalBuffer time.Duration

	MinNotice time.Duration
	// Hours are local; a negative value disables the rule.
	SameDayCutoffHour     int
	NextDayCutoffHour     int
	NextDayMorningEndHour int
}

func DefaultConfig() Config {
	return Config{
		Location:              time.UTC,
		MaxAdvanceDays:        14,
		Windows:               HourlyWindows(9, 17),
		ShortDuration:         60 * time.Minute,
		LongDuration:          120 * time.Minute,
		BufferBefore:          15 * time.Minute,
		BufferAfter:           15 * time.Minute,
		ExternalBuffer:        15 * time.Minute,
		MinNotice:             2 * time.Hour,
		SameDayCutoffHour:     18,
		NextDayCutoffHour:     21,
		NextDayMorningEndHour: 11,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Location == nil:
		return errors.New("location is required")
	case c.MaxAdvanceDays < 1:
		return errors.New("max advance days must be at least 1")
	case len(c.Windows) == 0:
		return errors.New("at least one window is required")
	case c.ShortDuration <= 0:
		return errors.New("short duration must be positive")
	case c.LongDuration < c.ShortDuration:
		return errors.New("long duration must not be shorter than short duration")
	case c.BufferBefore < 0 || c.BufferAfter < 0 || c.ExternalBuffer < 0 || c.MinNotice < 0:
		return errors.New("buffers and notice must not be negative")
	case c.SameDayCutoffHour > 24 || c.NextDayCutoffHour > 24 || c.NextDayMorningEndHour > 24:
		return errors.New("cutoff hours must be within a day")
	}
	for i := 1; i < len(c.Windows); i++ {
		prev, cur := c.Windows[i-1], c.Windows[i]
		if cur.Hour*60+cur.Minute <= prev.Hour*60+prev.Minute {
			return errors.New("windows must be strictly ascending")
		}
	}
	return nil
}

// BufferBeforeMin and BufferAfterMin are the buffers stamped on new bookings.
func (c Config) BufferBeforeMin() int { return int(c.BufferBefore / time.Minute) }
func (c Config) BufferAfterMin() int  { return int(c.BufferAfter / time.Minute) }

func (c Config) window(value string) (Window, bool) {
	w, err := ParseWindow(value)
	if err != nil {
		return Window{}, false
	}
	for _, cw := range c.Windows {
		if cw == w {
			return w, true
		}
	}
	return Window{}, false
}

// gated applies the temporal rules, in order: minimum notice, same-day
// cutoff, next-day morning cutoff. dayIndex is 0 for today.
func (c Config) gated(now time.Time, dayIndex int, w Window, start time.Time) bool {
	if start.Before(now.Add(c.MinNotice)) {
		return true
	}
	localHour := now.In(c.Location).Hour()
	if dayIndex == 0 && c.SameDayCutoffHour >= 0 && localHour >= c.SameDayCutoffHour {
		return true
	}
	if dayIndex == 1 && c.NextDayCutoffHour >= 0 && localHour >= c.NextDayCutoffHour && w.Hour < c.NextDayMorningEndHour {
		return true
	}
	return false
}
