package model

import "time"

type Status string

const (
	StatusHeld      Status = "held"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the booking still occupies its slot.
func (s Status) Active() bool {
	return s == StatusHeld || s == StatusConfirmed
}

type MeetingType string

const (
	MeetingInPerson MeetingType = "in_person"
	MeetingPhone    MeetingType = "phone"
	MeetingVideo    MeetingType = "video"
)

// Details is the structured booking metadata captured by the booking form.
type Details struct {
	MeetingType MeetingType `json:"meeting_type"`
	Address     string      `json:"address,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	Notes       string      `json:"notes,omitempty"`
}

type Booking struct {
	ID              string
	ContactName     string
	ContactEmail    string
	Details         Details
	StartUTC        time.Time
	EndUTC          time.Time
	Status          Status
	BufferBeforeMin int
	BufferAfterMin  int
	HoldExpiresUTC  *time.Time
	CancelToken     string
	ExternalEventID string
	CancelReason    string
	CancelledAt     *time.Time
	CreatedAt       time.Time
}

// BufferedStart is the start of the interval the booking blocks, buffers included.
func (b Booking) BufferedStart() time.Time {
	return b.StartUTC.Add(-time.Duration(b.BufferBeforeMin) * time.Minute)
}

// BufferedEnd is the end of the interval the booking blocks, buffers included.
func (b Booking) BufferedEnd() time.Time {
	return b.EndUTC.Add(time.Duration(b.BufferAfterMin) * time.Minute)
}

// CachedExternalEvent is a busy interval mirrored from an external calendar.
// (ExternalEventID, CalendarID) is the key.
type CachedExternalEvent struct {
	ExternalEventID string
	CalendarID      string
	StartUTC        time.Time
	EndUTC          time.Time
	FetchedAt       time.Time
	ExpiresAt       time.Time
}
