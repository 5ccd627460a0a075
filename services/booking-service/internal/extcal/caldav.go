package extcal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	ical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

type CalDAVConfig struct {
	URL      string
	Username string
	Password string
	// WriteCalendar is the collection path bookings are mirrored into,
	// e.g. /dav/calendars/owner/bookings/.
	WriteCalendar string
}

// CalDAV mirrors bookings as VEVENT objects named <uid>.ics in the write
// calendar. The external event id is the object path.
type CalDAV struct {
	client *caldav.Client
	hc     webdav.HTTPClient
	base   *url.URL
	cfg    CalDAVConfig
	loc    *time.Location
}

func NewCalDAV(cfg CalDAVConfig, loc *time.Location, timeout time.Duration) (*CalDAV, error) {
	if cfg.URL == "" {
		return nil, errors.New("caldav url is required")
	}
	hc := webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: timeout}, cfg.Username, cfg.Password)
	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "create caldav client")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse caldav url")
	}
	if !strings.HasSuffix(cfg.WriteCalendar, "/") {
		cfg.WriteCalendar += "/"
	}
	return &CalDAV{client: client, hc: hc, base: base, cfg: cfg, loc: loc}, nil
}

func (c *CalDAV) CreateEvent(ctx context.Context, iv Interval, who Attendee) (string, error) {
	if c.cfg.WriteCalendar == "/" {
		return "", errors.New("caldav write calendar is not configured")
	}
	uid := uuid.NewString()
	cal := buildEvent(uid, iv, who, time.Now().UTC())
	path := c.cfg.WriteCalendar + uid + ".ics"
	if _, err := c.client.PutCalendarObject(ctx, path, cal); err != nil {
		return "", errors.Wrap(err, "put calendar object")
	}
	return path, nil
}

// DeleteEvent issues the DELETE itself: go-webdav's RemoveAll does not let
// callers tell a missing object from other failures.
func (c *CalDAV) DeleteEvent(ctx context.Context, externalEventID string) error {
	target := c.base.ResolveReference(&url.URL{Path: externalEventID})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build delete request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "remove calendar object")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrEventNotFound
	case resp.StatusCode >= 300:
		return errors.Newf("remove calendar object %s: status %d", externalEventID, resp.StatusCode)
	}
	return nil
}

func (c *CalDAV) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]BusyInterval, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropDuration, ical.PropRecurrenceRule, ical.PropRecurrenceID, ical.PropTransparency, ical.PropStatus},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}
	objects, err := c.client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, errors.Wrapf(err, "query calendar %s", calendarID)
	}

	var out []BusyInterval
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		out = append(out, busyFromCalendar(obj.Data, c.loc, start, end)...)
	}
	return out, nil
}

func buildEvent(uid string, iv Interval, who Attendee, now time.Time) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now)
	event.Props.SetDateTime(ical.PropDateTimeStart, iv.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, iv.End.UTC())
	event.Props.SetText(ical.PropSummary, summaryFor(who))
	if who.Notes != "" {
		event.Props.SetText(ical.PropDescription, who.Notes)
	}
	if who.Email != "" {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.Value = "mailto:" + who.Email
		if who.Name != "" {
			attendee.Params.Set(ical.ParamCommonName, who.Name)
		}
		event.Props.Add(attendee)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//apptholds//booking//EN")
	cal.Children = append(cal.Children, event.Component)
	return cal
}

// busyFromCalendar extracts busy blocks from every VEVENT, expanding
// recurrences inside [rangeStart, rangeEnd). Transparent and cancelled events
// do not block time.
func busyFromCalendar(cal *ical.Calendar, loc *time.Location, rangeStart, rangeEnd time.Time) []BusyInterval {
	var out []BusyInterval
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if p := comp.Props.Get(ical.PropTransparency); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
			continue
		}
		if p := comp.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
			continue
		}
		out = append(out, busyFromEvent(comp, loc, rangeStart, rangeEnd)...)
	}
	return out
}

func busyFromEvent(comp *ical.Component, loc *time.Location, rangeStart, rangeEnd time.Time) []BusyInterval {
	uid := ""
	if p := comp.Props.Get(ical.PropUID); p != nil {
		uid = p.Value
	}
	start, ok := propTime(comp.Props.Get(ical.PropDateTimeStart), loc)
	if !ok || uid == "" {
		return nil
	}

	duration := time.Hour
	if end, ok := propTime(comp.Props.Get(ical.PropDateTimeEnd), loc); ok {
		duration = end.Sub(start)
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		if d, err := p.Duration(); err == nil {
			duration = d
		}
	}
	if duration <= 0 {
		return nil
	}

	id := uid
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		// An overridden instance shares the series UID.
		id = uid + "_" + p.Value
	}

	rset, err := comp.RecurrenceSet(loc)
	if err != nil || rset == nil {
		return []BusyInterval{{ID: id, Start: start.UTC(), End: start.Add(duration).UTC()}}
	}

	var out []BusyInterval
	for _, occ := range rset.Between(rangeStart.Add(-duration), rangeEnd, true) {
		out = append(out, BusyInterval{
			ID:    fmt.Sprintf("%s_%d", uid, occ.Unix()),
			Start: occ.UTC(),
			End:   occ.Add(duration).UTC(),
		})
	}
	return out
}

func propTime(p *ical.Prop, loc *time.Location) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	if t, err := p.DateTime(loc); err == nil {
		return t, true
	}
	for _, layout := range []string{"20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, p.Value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
