package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/apptholds/libs/kafkax"
)

// RefreshRequestedEvent is the event type the booking service's refresh
// consumer reacts to.
const RefreshRequestedEvent = "calendar.refresh.requested.v1"

// MessageWriter is the subset of *kafka.Writer the requester needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RefreshRequester asks for a cache refresh by publishing an event instead
// of calling the booking service directly. Each request carries a fresh
// event id, so the consumer's inbox only drops redeliveries.
type RefreshRequester struct {
	writer MessageWriter
	now    func() time.Time
}

func NewRefreshRequester(writer MessageWriter) *RefreshRequester {
	return &RefreshRequester{writer: writer, now: time.Now}
}

func (r *RefreshRequester) Request(ctx context.Context) (map[string]any, error) {
	id := uuid.NewString()
	at := r.now().UTC()
	body, err := json.Marshal(map[string]any{"requested_at": at.Format(time.RFC3339)})
	if err != nil {
		return nil, err
	}
	meta := kafkax.EventMeta{EventID: id, EventType: RefreshRequestedEvent}
	msg := kafka.Message{
		Key:     []byte(id),
		Value:   body,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]any{"event_id": id}, nil
}
