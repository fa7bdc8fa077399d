package models

import (
	"errors"
	"time"
)

type Ticket struct {
	ID          ID         `json:"id"`
	CounterID   ID         `json:"counter_id"`
	QueueNumber string     `json:"queue_number"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

const (
	StatusWaiting  = "waiting"
	StatusCalled   = "called"
	StatusServed   = "served"
	StatusDone     = "done"
	StatusCanceled = "canceled"
)

var ErrTimeline = errors.New("ticket timestamps out of order")

// Sequence returns the per-counter daily sequence embedded in the queue
// number, or -1 when the number does not parse.
func (t Ticket) Sequence() int {
	number, err := ParseQueueNumber(t.QueueNumber)
	if err != nil {
		return -1
	}
	return number.Sequence
}

// Day returns the calendar day the ticket belongs to in loc. The creation
// time wins; the date segment of the queue number is the fallback.
func (t Ticket) Day(loc *time.Location) (time.Time, bool) {
	if t.CreatedAt != nil {
		y, m, d := t.CreatedAt.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), true
	}
	number, err := ParseQueueNumber(t.QueueNumber)
	if err != nil {
		return time.Time{}, false
	}
	y, m, d := number.Date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc), true
}

func (t Ticket) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusCanceled
}

// CheckTimeline verifies that the status timestamps a ticket carries are
// consistent with waiting < called < served < done. Canceled may follow any
// step except done; the CS desk allows dropping a ticket that is being served.
func CheckTimeline(t Ticket) error {
	steps := []*time.Time{t.CreatedAt, t.CalledAt, t.ServedAt, t.DoneAt}
	var last *time.Time
	gap := false
	for _, step := range steps {
		if step == nil {
			gap = true
			continue
		}
		if gap && last != nil {
			return ErrTimeline
		}
		if last != nil && step.Before(*last) {
			return ErrTimeline
		}
		last = step
		gap = false
	}
	if t.CanceledAt != nil {
		if t.DoneAt != nil {
			return ErrTimeline
		}
		if last != nil && t.CanceledAt.Before(*last) {
			return ErrTimeline
		}
	}
	switch t.Status {
	case StatusCalled:
		if t.CalledAt == nil || t.ServedAt != nil {
			return ErrTimeline
		}
	case StatusServed:
		if t.ServedAt == nil || t.DoneAt != nil {
			return ErrTimeline
		}
	case StatusDone:
		if t.DoneAt == nil {
			return ErrTimeline
		}
	case StatusCanceled:
		if t.CanceledAt == nil {
			return ErrTimeline
		}
	}
	return nil
}
