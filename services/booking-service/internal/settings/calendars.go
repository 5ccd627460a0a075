package settings

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
)

// CalendarsFile is the YAML file naming the external calendar provider and
// the calendars read into the busy cache. Secrets may be given inline or as
// the name of an environment variable holding them.
//
//	provider: caldav
//	timeout: 20s
//	caldav:
//	  url: https://dav.example.com
//	  username: owner
//	  password_env: CALDAV_PASSWORD
//	  write_calendar: /dav/calendars/owner/bookings/
//	calendars:
//	  - /dav/calendars/owner/bookings/
//	  - /dav/calendars/owner/personal/
type CalendarsFile struct {
	Kind      string        `yaml:"provider"`
	Timeout   time.Duration `yaml:"-"`
	CalDAV    CalDAVSection `yaml:"caldav"`
	Graph     GraphSection  `yaml:"graph"`
	Calendars []string      `yaml:"calendars"`
}

type CalDAVSection struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password,omitempty"`
	PasswordEnv   string `yaml:"password_env,omitempty"`
	WriteCalendar string `yaml:"write_calendar"`
}

type GraphSection struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret,omitempty"`
	ClientSecretEnv string `yaml:"client_secret_env,omitempty"`
	User            string `yaml:"user"`
	WriteCalendar   string `yaml:"write_calendar,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
}

// LoadCalendars reads and validates a calendars file.
func LoadCalendars(path string) (*CalendarsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calendars file")
	}
	return ParseCalendars(data)
}

func ParseCalendars(data []byte) (*CalendarsFile, error) {
	var f CalendarsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse calendars file")
	}
	if err := f.resolve(); err != nil {
		return nil, err
	}
	return &f, nil
}

// UnmarshalYAML reads timeout as a duration string.
func (f *CalendarsFile) UnmarshalYAML(node *yaml.Node) error {
	type plain CalendarsFile
	var raw struct {
		plain   `yaml:",inline"`
		Timeout string `yaml:"timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = CalendarsFile(raw.plain)
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return errors.Wrap(err, "parse timeout")
		}
		f.Timeout = d
	}
	return nil
}

func (f *CalendarsFile) resolve() error {
	switch f.Kind {
	case "":
		return nil
	case extcal.KindCalDAV:
		if f.CalDAV.URL == "" {
			return errors.New("caldav.url is required")
		}
		if f.CalDAV.Password == "" && f.CalDAV.PasswordEnv != "" {
			f.CalDAV.Password = os.Getenv(f.CalDAV.PasswordEnv)
		}
		if len(f.Calendars) == 0 && f.CalDAV.WriteCalendar != "" {
			f.Calendars = []string{f.CalDAV.WriteCalendar}
		}
	case extcal.KindGraph:
		g := &f.Graph
		if g.TenantID == "" || g.ClientID == "" || g.User == "" {
			return errors.New("graph.tenant_id, graph.client_id and graph.user are required")
		}
		if g.ClientSecret == "" && g.ClientSecretEnv != "" {
			g.ClientSecret = os.Getenv(g.ClientSecretEnv)
		}
		if g.ClientSecret == "" {
			return errors.New("graph client secret is empty")
		}
		if len(f.Calendars) == 0 {
			// calendarView of the default calendar.
			f.Calendars = []string{g.WriteCalendar}
		}
	default:
		return errors.Newf("unknown provider %q", f.Kind)
	}
	return nil
}

// Provider is the extcal configuration the file describes.
func (f *CalendarsFile) Provider() extcal.Config {
	return extcal.Config{
		Kind:    f.Kind,
		Timeout: f.Timeout,
		CalDAV: extcal.CalDAVConfig{
			URL:           f.CalDAV.URL,
			Username:      f.CalDAV.Username,
			Password:      f.CalDAV.Password,
			WriteCalendar: f.CalDAV.WriteCalendar,
		},
		Graph: extcal.GraphConfig{
			TenantID:      f.Graph.TenantID,
			ClientID:      f.Graph.ClientID,
			ClientSecret:  f.Graph.ClientSecret,
			User:          f.Graph.User,
			WriteCalendar: f.Graph.WriteCalendar,
			BaseURL:       f.Graph.BaseURL,
		},
	}
}

// ReadCalendars lists the calendars the cache refresher pulls.
func (f *CalendarsFile) ReadCalendars() []string {
	if f.Kind == "" {
		return nil
	}
	return f.Calendars
}
