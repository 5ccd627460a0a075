// Package settings turns the process environment into the immutable
// configuration values the booking engine is built from.
package settings

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/md-rashed-zaman/apptholds/libs/config"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/calcache"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
)

// Env is the raw environment. Field defaults match availability.DefaultConfig.
type Env struct {
	Timezone       string   `envconfig:"BUSINESS_TIMEZONE" default:"UTC"`
	MaxAdvanceDays int      `envconfig:"MAX_ADVANCE_DAYS" default:"14"`
	OpenHour       int      `envconfig:"OPEN_HOUR" default:"9"`
	CloseHour      int      `envconfig:"CLOSE_HOUR" default:"17"`
	Windows        []string `envconfig:"WINDOWS"`

	ShortDuration time.Duration `envconfig:"SHORT_DURATION" default:"60m"`
	LongDuration  time.Duration `envconfig:"LONG_DURATION" default:"120m"`

	BufferBefore   time.Duration `envconfig:"BUFFER_BEFORE" default:"15m"`
	BufferAfter    time.Duration `envconfig:"BUFFER_AFTER" default:"15m"`
	ExternalBuffer time.Duration `envconfig:"EXTERNAL_BUFFER" default:"15m"`

	MinNotice             time.Duration `envconfig:"MIN_NOTICE" default:"2h"`
	SameDayCutoffHour     int           `envconfig:"SAME_DAY_CUTOFF_HOUR" default:"18"`
	NextDayCutoffHour     int           `envconfig:"NEXT_DAY_CUTOFF_HOUR" default:"21"`
	NextDayMorningEndHour int           `envconfig:"NEXT_DAY_MORNING_END_HOUR" default:"11"`

	HoldTTL       time.Duration `envconfig:"HOLD_TTL" default:"15m"`
	MirrorTimeout time.Duration `envconfig:"MIRROR_TIMEOUT" default:"10s"`
	SweepBatch    int           `envconfig:"SWEEP_BATCH" default:"200"`

	CalendarsFile       string        `envconfig:"CALENDARS_FILE"`
	CalDAVURL           string        `envconfig:"CALDAV_URL"`
	CalDAVUsername      string        `envconfig:"CALDAV_USERNAME"`
	CalDAVPassword      string        `envconfig:"CALDAV_PASSWORD"`
	CalDAVWriteCalendar string        `envconfig:"CALDAV_WRITE_CALENDAR"`
	CalendarIDs         []string      `envconfig:"CALENDAR_IDS"`
	CalendarTimeout     time.Duration `envconfig:"CALENDAR_TIMEOUT" default:"30s"`

	CacheTTL           time.Duration `envconfig:"CALENDAR_CACHE_TTL" default:"1h"`
	RefreshConcurrency int           `envconfig:"CALENDAR_REFRESH_CONCURRENCY" default:"4"`
}

// Settings is everything the booking engine needs, resolved once.
type Settings struct {
	Slots    availability.Config
	Holds    holds.Config
	Cache    calcache.Config
	Calendar extcal.Config
}

// Load reads the environment and, when CALENDARS_FILE is set, the calendar
// file it names.
func Load() (Settings, error) {
	var env Env
	if err := config.Process("", &env); err != nil {
		return Settings{}, err
	}
	return FromEnv(env)
}

func FromEnv(env Env) (Settings, error) {
	loc, err := time.LoadLocation(env.Timezone)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "BUSINESS_TIMEZONE %q", env.Timezone)
	}

	windows := availability.HourlyWindows(env.OpenHour, env.CloseHour)
	if len(env.Windows) > 0 {
		windows = make([]availability.Window, 0, len(env.Windows))
		for _, v := range env.Windows {
			w, err := availability.ParseWindow(v)
			if err != nil {
				return Settings{}, errors.Wrap(err, "WINDOWS")
			}
			windows = append(windows, w)
		}
	}

	slots := availability.Config{
		Location:              loc,
		MaxAdvanceDays:        env.MaxAdvanceDays,
		Windows:               windows,
		ShortDuration:         env.ShortDuration,
		LongDuration:          env.LongDuration,
		BufferBefore:          env.BufferBefore,
		BufferAfter:           env.BufferAfter,
		ExternalBuffer:        env.ExternalBuffer,
		MinNotice:             env.MinNotice,
		SameDayCutoffHour:     env.SameDayCutoffHour,
		NextDayCutoffHour:     env.NextDayCutoffHour,
		NextDayMorningEndHour: env.NextDayMorningEndHour,
	}
	if err := slots.Validate(); err != nil {
		return Settings{}, errors.Wrap(err, "availability settings")
	}
	if env.ShortDuration%time.Minute != 0 || env.LongDuration%time.Minute != 0 {
		return Settings{}, errors.New("durations must be whole minutes")
	}

	cal, ids, err := calendarConfig(env)
	if err != nil {
		return Settings{}, err
	}
	cal.Location = loc

	return Settings{
		Slots: slots,
		Holds: holds.Config{
			HoldTTL:       env.HoldTTL,
			MirrorTimeout: env.MirrorTimeout,
			SweepBatch:    env.SweepBatch,
		},
		Cache: calcache.Config{
			Calendars:    ids,
			Horizon:      time.Duration(env.MaxAdvanceDays+1) * 24 * time.Hour,
			TTL:          env.CacheTTL,
			Concurrency:  env.RefreshConcurrency,
			FetchTimeout: cal.Timeout,
		},
		Calendar: cal,
	}, nil
}

// calendarConfig prefers the calendars file, then the single CalDAV
// variables. With neither, external calendars are off.
func calendarConfig(env Env) (extcal.Config, []string, error) {
	if env.CalendarsFile != "" {
		f, err := LoadCalendars(env.CalendarsFile)
		if err != nil {
			return extcal.Config{}, nil, err
		}
		cfg := f.Provider()
		if cfg.Timeout <= 0 {
			cfg.Timeout = env.CalendarTimeout
		}
		return cfg, f.ReadCalendars(), nil
	}
	if env.CalDAVURL == "" {
		return extcal.Config{Timeout: env.CalendarTimeout}, nil, nil
	}
	cfg := extcal.Config{
		Kind:    extcal.KindCalDAV,
		Timeout: env.CalendarTimeout,
		CalDAV: extcal.CalDAVConfig{
			URL:           env.CalDAVURL,
			Username:      env.CalDAVUsername,
			Password:      env.CalDAVPassword,
			WriteCalendar: env.CalDAVWriteCalendar,
		},
	}
	ids := env.CalendarIDs
	if len(ids) == 0 && env.CalDAVWriteCalendar != "" {
		ids = []string{env.CalDAVWriteCalendar}
	}
	return cfg, ids, nil
}
