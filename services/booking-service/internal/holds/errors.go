package holds

import "github.com/cockroachdb/errors"

// Error categories. Errors returned by the manager are marked with exactly
// one of these; test with errors.Is.
var (
	// ErrValidation: malformed date, time, duration or contact details.
	ErrValidation = errors.New("invalid request")
	// ErrConflict: the slot is taken or closed. Nothing was written.
	ErrConflict = errors.New("slot no longer available")
	// ErrNotFound: unknown hold id or cancel token.
	ErrNotFound = errors.New("booking not found")
	// ErrExternalIntegration: the external calendar failed. The booking
	// itself is intact.
	ErrExternalIntegration = errors.New("calendar sync failed")
	// ErrExpiryRace: the hold was swept or cancelled before confirmation.
	ErrExpiryRace = errors.New("hold is no longer active")
)

func validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}
