package handlers

import (
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/apptholds/libs/auth"
	"github.com/md-rashed-zaman/apptholds/libs/trigger"
)

const (
	HoldsPath   = "/api/v1/holds"
	ConfirmPath = "/api/v1/holds/confirm"
	CancelPath  = "/api/v1/bookings/cancel"
	LookupPath  = "/api/v1/bookings/lookup"
)

// Register mounts the public API and the trigger endpoints on mux. The
// trigger endpoints require triggerSecret.
func Register(mux *http.ServeMux, b *BookingHandler, m *MaintenanceHandler, triggerSecret string, logger *slog.Logger) {
	mux.HandleFunc(trigger.DaysPath, b.Days)
	mux.HandleFunc(HoldsPath, b.CreateHold)
	mux.HandleFunc(ConfirmPath, b.Confirm)
	mux.HandleFunc(CancelPath, b.Cancel)
	mux.HandleFunc(LookupPath, b.Lookup)

	mux.Handle(trigger.SweepPath, auth.RequireTrigger(triggerSecret, auth.ScopeSweep, logger)(http.HandlerFunc(m.Sweep)))
	mux.Handle(trigger.RefreshPath, auth.RequireTrigger(triggerSecret, auth.ScopeRefresh, logger)(http.HandlerFunc(m.Refresh)))
}
