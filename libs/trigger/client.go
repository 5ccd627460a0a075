// Package trigger calls the booking service's internal maintenance endpoints
// (hold sweep, calendar refresh).
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/md-rashed-zaman/apptholds/libs/auth"
	"github.com/md-rashed-zaman/apptholds/libs/httpx"
)

const (
	SweepPath   = "/internal/v1/holds/sweep"
	RefreshPath = "/internal/v1/calendar/refresh"
	DaysPath    = "/api/v1/availability/days"
)

type Config struct {
	BaseURL string
	Secret  string
	// Subject identifies the caller in minted tokens.
	Subject    string
	MaxTries   uint
	MaxElapsed time.Duration
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, hc *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Subject == "" {
		cfg.Subject = "trigger"
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// Result is the decoded JSON body of a trigger response.
type Result map[string]any

// Sweep asks the booking service to expire overdue holds.
func (c *Client) Sweep(ctx context.Context) (Result, error) {
	return c.post(ctx, SweepPath, auth.ScopeSweep)
}

// Refresh asks the booking service to refresh its external calendar cache.
func (c *Client) Refresh(ctx context.Context) (Result, error) {
	return c.post(ctx, RefreshPath, auth.ScopeRefresh)
}

// Days fetches the public bookable days listing. It is not retried.
func (c *Client) Days(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+DaysPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.RawMessage(body), nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trigger: unexpected status %d: %s", e.Code, e.Body)
}

func (c *Client) post(ctx context.Context, path, scope string) (Result, error) {
	requestID := httpx.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = httpx.NewRequestID()
	}

	op := func() (Result, error) {
		token, err := auth.SignHS256(auth.NewClaims(c.cfg.Subject, time.Minute, scope), c.cfg.Secret)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader([]byte("{}")))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(httpx.RequestIDHeader, requestID)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 300 {
			serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			// Only server-side failures and throttling are worth retrying.
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, serr
			}
			return nil, backoff.Permanent(serr)
		}

		var out Result
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("trigger: decode response: %w", err))
			}
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
	)
}
