package lifecycle

import (
	"sort"

	"qms/mpp-desk/internal/models"
)

// Desk is the CS screen's view of one counter: the tickets issued to it for
// the day. It is rebuilt from every snapshot and never mutated in place.
type Desk struct {
	CounterID models.ID
	tickets   []models.Ticket
}

type Buttons struct {
	Call     bool `json:"call"`
	Serve    bool `json:"serve"`
	Complete bool `json:"complete"`
	Cancel   bool `json:"cancel"`
	CallNext bool `json:"call_next"`
}

func NewDesk(counterID models.ID, tickets []models.Ticket) Desk {
	var own []models.Ticket
	for _, ticket := range tickets {
		if ticket.CounterID == counterID {
			own = append(own, ticket)
		}
	}
	sortBySequence(own)
	return Desk{CounterID: counterID, tickets: own}
}

func (d Desk) Tickets() []models.Ticket {
	return append([]models.Ticket(nil), d.tickets...)
}

func (d Desk) Find(id models.ID) (models.Ticket, bool) {
	for _, ticket := range d.tickets {
		if ticket.ID == id {
			return ticket, true
		}
	}
	return models.Ticket{}, false
}

// Waiting lists waiting tickets in queue order: numeric sequence first,
// so a ticket that reached the snapshot late still takes its place.
func (d Desk) Waiting() []models.Ticket {
	var waiting []models.Ticket
	for _, ticket := range d.tickets {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	return waiting
}

func (d Desk) Called() (models.Ticket, bool) {
	return d.latestWithStatus(models.StatusCalled)
}

func (d Desk) Served() (models.Ticket, bool) {
	return d.latestWithStatus(models.StatusServed)
}

// LastCalled returns the ticket most recently called on this counter,
// whatever happened to it afterwards.
func (d Desk) LastCalled() (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range d.tickets {
		if !wasCalled(ticket) {
			continue
		}
		if !found || calledAfter(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

// NextWaiting picks the first waiting ticket numbered after the last
// called one. Without a usable reference it falls back to the lowest
// numbered waiting ticket.
func (d Desk) NextWaiting() (models.Ticket, bool) {
	waiting := d.Waiting()
	if len(waiting) == 0 {
		return models.Ticket{}, false
	}
	if last, ok := d.LastCalled(); ok {
		seq := last.Sequence()
		if seq >= 0 {
			for _, ticket := range waiting {
				if ticket.Sequence() > seq {
					return ticket, true
				}
			}
		}
	}
	return waiting[0], true
}

// Buttons derives which CS actions are enabled for the current state.
func (d Desk) Buttons() Buttons {
	_, hasCalled := d.Called()
	_, hasServed := d.Served()
	hasWaiting := len(d.Waiting()) > 0
	_, calledBefore := d.LastCalled()

	switch {
	case hasServed:
		return Buttons{Complete: true, Cancel: true}
	case hasCalled:
		return Buttons{Call: true, Serve: true, Cancel: true, CallNext: true}
	case hasWaiting && calledBefore:
		return Buttons{CallNext: true}
	case hasWaiting:
		return Buttons{Call: true}
	default:
		return Buttons{}
	}
}

func (d Desk) latestWithStatus(status string) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range d.tickets {
		if ticket.Status != status {
			continue
		}
		if !found || calledAfter(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

func wasCalled(ticket models.Ticket) bool {
	if ticket.CalledAt != nil {
		return true
	}
	switch ticket.Status {
	case models.StatusCalled, models.StatusServed, models.StatusDone:
		return true
	}
	return false
}

// calledAfter orders by call time, falling back to sequence when either
// side has no call timestamp.
func calledAfter(a, b models.Ticket) bool {
	if a.CalledAt != nil && b.CalledAt != nil && !a.CalledAt.Equal(*b.CalledAt) {
		return a.CalledAt.After(*b.CalledAt)
	}
	return a.Sequence() > b.Sequence()
}

func sortBySequence(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		si, sj := tickets[i].Sequence(), tickets[j].Sequence()
		if si != sj {
			return si < sj
		}
		return tickets[i].ID < tickets[j].ID
	})
}
