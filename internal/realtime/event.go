package realtime

import (
	"bytes"
	"encoding/json"
	"errors"

	"qms/mpp-desk/internal/models"
)

// Event is a ticket-update notification. Only a hint: fields may be
// missing and delivery is at-least-once, so consumers resync on every one.
type Event struct {
	Name        string          `json:"name"`
	TicketID    models.ID       `json:"id"`
	CounterID   models.ID       `json:"counter_id"`
	QueueNumber string          `json:"queue_number"`
	Status      string          `json:"status"`
	Raw         json.RawMessage `json:"-"`
}

var ErrEventPayload = errors.New("unreadable event payload")

type eventFields struct {
	ID          models.ID `json:"id"`
	QueueID     models.ID `json:"queue_id"`
	CounterID   models.ID `json:"counter_id"`
	QueueNumber string    `json:"queue_number"`
	Status      string    `json:"status"`
}

type nestedFields struct {
	Queue  *eventFields `json:"queue"`
	Ticket *eventFields `json:"ticket"`
	Data   *eventFields `json:"data"`
}

// ParseEvent reads the payload of a channel event. The payload may be the
// ticket itself or wrap it under queue, ticket or data.
func ParseEvent(name string, payload []byte) (Event, error) {
	payload = bytes.TrimSpace(payload)
	ev := Event{Name: name, Raw: append(json.RawMessage(nil), payload...)}
	if len(payload) == 0 || payload[0] != '{' {
		return ev, ErrEventPayload
	}
	var flat eventFields
	if err := json.Unmarshal(payload, &flat); err != nil {
		return ev, ErrEventPayload
	}
	var nested nestedFields
	_ = json.Unmarshal(payload, &nested)
	for _, inner := range []*eventFields{nested.Queue, nested.Ticket, nested.Data} {
		if inner != nil {
			merge(&flat, *inner)
		}
	}
	ev.TicketID = flat.ID
	if ev.TicketID == "" {
		ev.TicketID = flat.QueueID
	}
	ev.CounterID = flat.CounterID
	ev.QueueNumber = flat.QueueNumber
	ev.Status = flat.Status
	return ev, nil
}

func merge(dst *eventFields, src eventFields) {
	if dst.ID == "" {
		dst.ID = src.ID
	}
	if dst.QueueID == "" {
		dst.QueueID = src.QueueID
	}
	if dst.CounterID == "" {
		dst.CounterID = src.CounterID
	}
	if dst.QueueNumber == "" {
		dst.QueueNumber = src.QueueNumber
	}
	if dst.Status == "" {
		dst.Status = src.Status
	}
}
