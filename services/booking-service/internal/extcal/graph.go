package extcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
	"github.com/cockroachdb/errors"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope   = "https://graph.microsoft.com/.default"
)

type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// User is the mailbox (id or UPN) that owns the calendars.
	User string
	// WriteCalendar is the calendar id bookings go to; empty means the
	// user's default calendar.
	WriteCalendar string
	// BaseURL overrides the Graph endpoint (tests, national clouds).
	BaseURL string
}

// TokenSource yields bearer tokens for Graph.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Graph is a Microsoft 365 calendar provider using application permissions
// (Calendars.ReadWrite) through the client credentials flow.
type Graph struct {
	cfg    GraphConfig
	tokens TokenSource
	client *http.Client
}

func NewGraph(cfg GraphConfig, timeout time.Duration) (*Graph, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.User == "" {
		return nil, errors.New("graph provider needs tenant_id, client_id, client_secret and user")
	}
	tokens, err := newMSALTokenSource(cfg)
	if err != nil {
		return nil, err
	}
	return NewGraphWithTokens(cfg, tokens, &http.Client{Timeout: timeout}), nil
}

func NewGraphWithTokens(cfg GraphConfig, tokens TokenSource, client *http.Client) *Graph {
	if cfg.BaseURL == "" {
		cfg.BaseURL = graphBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Graph{cfg: cfg, tokens: tokens, client: client}
}

type msalTokenSource struct {
	client confidential.Client
}

func newMSALTokenSource(cfg GraphConfig) (*msalTokenSource, error) {
	cred, err := confidential.NewCredFromSecret(cfg.ClientSecret)
	if err != nil {
		return nil, errors.Wrap(err, "graph credential")
	}
	client, err := confidential.New("https://login.microsoftonline.com/"+cfg.TenantID, cfg.ClientID, cred)
	if err != nil {
		return nil, errors.Wrap(err, "graph msal client")
	}
	return &msalTokenSource{client: client}, nil
}

func (s *msalTokenSource) Token(ctx context.Context) (string, error) {
	scopes := []string{graphScope}
	res, err := s.client.AcquireTokenSilent(ctx, scopes)
	if err != nil {
		res, err = s.client.AcquireTokenByCredential(ctx, scopes)
		if err != nil {
			return "", errors.Wrap(err, "acquire graph token")
		}
	}
	return res.AccessToken, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string        `json:"id,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	ShowAs      string        `json:"showAs,omitempty"`
	IsCancelled bool          `json:"isCancelled,omitempty"`
	Body        *graphBody    `json:"body,omitempty"`
	Attendees   []graphPerson `json:"attendees,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphPerson struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
	Type string `json:"type,omitempty"`
}

type graphPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink,omitempty"`
}

const graphTimeLayout = "2006-01-02T15:04:05.9999999"

func (g *Graph) CreateEvent(ctx context.Context, iv Interval, who Attendee) (string, error) {
	ev := graphEvent{
		Subject: summaryFor(who),
		Start:   graphDateTime{DateTime: iv.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:     graphDateTime{DateTime: iv.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		ShowAs:  "busy",
	}
	if who.Notes != "" {
		ev.Body = &graphBody{ContentType: "text", Content: who.Notes}
	}
	if who.Email != "" {
		var p graphPerson
		p.EmailAddress.Address = who.Email
		p.EmailAddress.Name = who.Name
		p.Type = "required"
		ev.Attendees = []graphPerson{p}
	}

	var created graphEvent
	if err := g.do(ctx, http.MethodPost, g.calendarPath(g.cfg.WriteCalendar)+"/events", ev, &created); err != nil {
		return "", errors.Wrap(err, "create graph event")
	}
	if created.ID == "" {
		return "", errors.New("graph returned an event without id")
	}
	return created.ID, nil
}

func (g *Graph) DeleteEvent(ctx context.Context, externalEventID string) error {
	err := g.do(ctx, http.MethodDelete, g.userPath()+"/events/"+url.PathEscape(externalEventID), nil, nil)
	var se *graphStatusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return ErrEventNotFound
	}
	return errors.Wrap(err, "delete graph event")
}

func (g *Graph) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]BusyInterval, error) {
	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$select", "id,start,end,showAs,isCancelled")
	params.Set("$top", "200")
	next := g.cfg.BaseURL + g.calendarPath(calendarID) + "/calendarView?" + params.Encode()

	var out []BusyInterval
	for next != "" {
		var page graphPage
		if err := g.doURL(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, errors.Wrapf(err, "list graph calendar %s", calendarID)
		}
		for _, ev := range page.Value {
			if ev.IsCancelled || strings.EqualFold(ev.ShowAs, "free") {
				continue
			}
			s, err1 := parseGraphTime(ev.Start)
			e, err2 := parseGraphTime(ev.End)
			if err1 != nil || err2 != nil || !e.After(s) {
				continue
			}
			out = append(out, BusyInterval{ID: ev.ID, Start: s, End: e})
		}
		next = page.NextLink
	}
	return out, nil
}

func (g *Graph) userPath() string {
	return "/users/" + url.PathEscape(g.cfg.User)
}

// calendarPath maps "" and "primary" to the default calendar.
func (g *Graph) calendarPath(calendarID string) string {
	if calendarID == "" || calendarID == "primary" {
		return g.userPath() + "/calendar"
	}
	return g.userPath() + "/calendars/" + url.PathEscape(calendarID)
}

type graphStatusError struct {
	code int
	body string
}

func (e *graphStatusError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.code, e.body)
}

func (g *Graph) do(ctx context.Context, method, path string, in, out any) error {
	return g.doURL(ctx, method, g.cfg.BaseURL+path, in, out)
}

func (g *Graph) doURL(ctx context.Context, method, rawURL string, in, out any) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &graphStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseGraphTime(dt graphDateTime) (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		l, err := time.LoadLocation(dt.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	t, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
