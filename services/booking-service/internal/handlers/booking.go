package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/md-rashed-zaman/apptholds/libs/httpx"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/model"
)

// Holds is the part of holds.Manager the HTTP surface drives.
type Holds interface {
	Days(ctx context.Context) ([]availability.BookableDay, error)
	Create(ctx context.Context, req holds.HoldRequest) (model.Booking, error)
	Reserve(ctx context.Context, req holds.HoldRequest) (model.Booking, error)
	Confirm(ctx context.Context, holdID string) (model.Booking, error)
	Cancel(ctx context.Context, token, reason string) (model.Booking, error)
	Lookup(ctx context.Context, token string) (model.Booking, error)
}

type BookingHandler struct {
	holds    Holds
	timezone string
	logger   *slog.Logger
}

func NewBookingHandler(h Holds, timezone string, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{holds: h, timezone: timezone, logger: logger}
}

type daysResponse struct {
	Timezone string                     `json:"timezone"`
	Days     []availability.BookableDay `json:"days"`
}

type createHoldRequest struct {
	Date        string        `json:"date"`
	Time        string        `json:"time"`
	DurationMin int           `json:"duration_min"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Details     model.Details `json:"details"`
	// Confirm defaults to true: hold, mirror and confirm in one call.
	Confirm *bool `json:"confirm,omitempty"`
}

type confirmRequest struct {
	HoldID string `json:"hold_id"`
}

type cancelRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type bookingResponse struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	StartUTC       time.Time     `json:"start_utc"`
	EndUTC         time.Time     `json:"end_utc"`
	HoldExpiresUTC *time.Time    `json:"hold_expires_utc,omitempty"`
	Name           string        `json:"name"`
	Email          string        `json:"email"`
	Details        model.Details `json:"details"`
	CalendarSynced bool          `json:"calendar_synced"`
	CancelToken    string        `json:"cancel_token,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	Warning        string        `json:"warning,omitempty"`
}

const warnCalendarSync = "calendar_sync_failed"

func toResponse(b model.Booking, withToken bool) bookingResponse {
	resp := bookingResponse{
		ID:             b.ID,
		Status:         string(b.Status),
		StartUTC:       b.StartUTC,
		EndUTC:         b.EndUTC,
		HoldExpiresUTC: b.HoldExpiresUTC,
		Name:           b.ContactName,
		Email:          b.ContactEmail,
		Details:        b.Details,
		CalendarSynced: b.ExternalEventID != "",
		CancelledAt:    b.CancelledAt,
	}
	if withToken {
		resp.CancelToken = b.CancelToken
	}
	return resp
}

func (h *BookingHandler) Days(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days, err := h.holds.Days(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, daysResponse{Timezone: h.timezone, Days: days})
}

func (h *BookingHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	hr := holds.HoldRequest{
		Date:        strings.TrimSpace(req.Date),
		Time:        strings.TrimSpace(req.Time),
		DurationMin: req.DurationMin,
		Contact:     holds.Contact{Name: req.Name, Email: req.Email, Details: req.Details},
	}
	var (
		b   model.Booking
		err error
	)
	if req.Confirm == nil || *req.Confirm {
		b, err = h.holds.Reserve(r.Context(), hr)
	} else {
		b, err = h.holds.Create(r.Context(), hr)
	}
	if err != nil && !softFailure(err, b) {
		h.writeError(w, r, err)
		return
	}

	resp := toResponse(b, true)
	status := http.StatusCreated
	if err != nil {
		h.logger.Warn("booking held without calendar sync", "booking_id", b.ID, "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		resp.Warning = warnCalendarSync
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HoldID = strings.TrimSpace(req.HoldID)
	if req.HoldID == "" {
		http.Error(w, "hold_id required", http.StatusBadRequest)
		return
	}

	b, err := h.holds.Confirm(r.Context(), req.HoldID)
	if err != nil && !softFailure(err, b) {
		h.writeError(w, r, err)
		return
	}
	resp := toResponse(b, false)
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("confirm deferred; calendar sync failed", "booking_id", b.ID, "err", err)
		resp.Warning = warnCalendarSync
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.Reason) > 500 {
		http.Error(w, "reason too long", http.StatusBadRequest)
		return
	}
	b, err := h.holds.Cancel(r.Context(), strings.TrimSpace(req.Token), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(b, false))
}

func (h *BookingHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := h.holds.Lookup(r.Context(), strings.TrimSpace(r.URL.Query().Get("token")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, toResponse(b, false))
}

// softFailure is a calendar mirror failure on a booking that was itself
// stored: the client gets the booking and a warning.
func softFailure(err error, b model.Booking) bool {
	return b.ID != "" && errors.Is(err, holds.ErrExternalIntegration)
}

// writeError maps the error taxonomy to a coarse response and logs the
// detail.
func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, holds.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, holds.ErrConflict):
		status, msg = http.StatusConflict, holds.ErrConflict.Error()
	case errors.Is(err, holds.ErrNotFound):
		status, msg = http.StatusNotFound, holds.ErrNotFound.Error()
	case errors.Is(err, holds.ErrExpiryRace):
		status, msg = http.StatusConflict, holds.ErrExpiryRace.Error()
	case errors.Is(err, holds.ErrExternalIntegration):
		status, msg = http.StatusBadGateway, holds.ErrExternalIntegration.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusServiceUnavailable, "try again later"
	}

	attrs := []any{"path", r.URL.Path, "status", status, "request_id", httpx.RequestIDFromContext(r.Context()), "err", err}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Info("request rejected", attrs...)
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
