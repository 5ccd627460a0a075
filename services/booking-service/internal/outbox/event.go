package outbox

import (
	"encoding/json"
	"time"
)

// Booking lifecycle event types. The Kafka topic name equals EventType.
const (
	TypeHoldCreated  = "booking.hold.created.v1"
	TypeConfirmed    = "booking.confirmed.v1"
	TypeCancelled    = "booking.cancelled.v1"
	TypeHoldExpired  = "booking.hold.expired.v1"
	TypeMirrorFailed = "booking.mirror.failed.v1"
	AggregateBooking = "booking"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// BookingPayload is the JSON body of every booking event. Contact details and
// cancel tokens are deliberately not part of it.
type BookingPayload struct {
	BookingID       string     `json:"booking_id"`
	Status          string     `json:"status"`
	StartUTC        time.Time  `json:"start_utc"`
	EndUTC          time.Time  `json:"end_utc"`
	HoldExpiresUTC  *time.Time `json:"hold_expires_utc,omitempty"`
	ExternalEventID string     `json:"external_event_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

func NewBookingEvent(eventType string, p BookingPayload) (Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateBooking,
		AggregateID:   p.BookingID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     p.OccurredAt,
	}, nil
}
