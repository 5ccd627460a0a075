package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/calcache"
)

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Refresher interface {
	Refresh(ctx context.Context) (calcache.Result, error)
}

// MaintenanceHandler serves the trigger endpoints. Both operations are
// idempotent, so the scheduler may retry them freely.
type MaintenanceHandler struct {
	sweeper   Sweeper
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
}

func NewMaintenanceHandler(sweeper Sweeper, refresher Refresher, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{sweeper: sweeper, refresher: refresher, logger: logger, now: time.Now}
}

type sweepResponse struct {
	Expired int       `json:"expired"`
	At      time.Time `json:"at"`
}

func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := h.now().UTC()
	n, err := h.sweeper.Sweep(r.Context(), now)
	if err != nil {
		h.logger.Error("sweep failed", "err", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Expired: n, At: now})
}

func (h *MaintenanceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := h.refresher.Refresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, calcache.ErrAllCalendarsFailed):
		// Retryable from the caller's side; the cache still holds the last
		// good contents.
		writeJSON(w, http.StatusBadGateway, res)
	default:
		h.logger.Error("calendar refresh failed", "err", err)
		http.Error(w, "refresh failed", http.StatusInternalServerError)
	}
}
