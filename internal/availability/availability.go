// Package availability decides whether a service can issue tickets right now.
// Everything here is a pure function of the counters, the day's ticket
// snapshot and the clock reading passed in.
package availability

import (
	"time"

	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/models"
)

const (
	StatusAvailable = "available"
	StatusFull      = "full"
	StatusClosed    = "closed"

	CounterOpen   = "open"
	CounterFull   = "full"
	CounterClosed = "closed"
)

const (
	ReasonOpen       = "open"
	ReasonNoCounters = "no counters"
	ReasonInactive   = "service inactive"
	ReasonOutOfHours = "outside operating hours"
	ReasonQuotaFull  = "daily quota reached"
)

type CounterResult struct {
	Counter      models.Counter `json:"counter"`
	Status       string         `json:"status"`
	WithinHours  bool           `json:"within_hours"`
	TicketsToday int            `json:"tickets_today"`
}

type Result struct {
	Service        string          `json:"service"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason"`
	RemainingQuota int             `json:"remaining_quota"`
	TicketsToday   int             `json:"tickets_today"`
	Counters       []CounterResult `json:"counters"`
}

// Evaluate classifies every counter of svc and folds the results into the
// service status. now carries the location that defines "today".
func Evaluate(svc catalog.Service, tickets []models.Ticket, now time.Time) Result {
	result := Result{Service: svc.Name}
	perCounter := countToday(tickets, now)

	var open, closed, inactive int
	for _, counter := range svc.Counters {
		cr := CounterResult{
			Counter:      counter,
			WithinHours:  WithinHours(counter, now),
			TicketsToday: perCounter[counter.ID],
		}
		result.TicketsToday += cr.TicketsToday
		switch {
		case !counter.Active || !cr.WithinHours:
			cr.Status = CounterClosed
			closed++
			if !counter.Active {
				inactive++
			}
		case cr.TicketsToday >= counter.DailyQuota:
			cr.Status = CounterFull
		default:
			cr.Status = CounterOpen
			open++
		}
		result.Counters = append(result.Counters, cr)
	}

	result.RemainingQuota = svc.TotalQuota - result.TicketsToday
	if result.RemainingQuota < 0 {
		result.RemainingQuota = 0
	}

	total := len(svc.Counters)
	switch {
	case total == 0:
		result.Status, result.Reason = StatusClosed, ReasonNoCounters
	case closed == total:
		result.Status, result.Reason = StatusClosed, ReasonOutOfHours
		if inactive == total {
			result.Reason = ReasonInactive
		}
	case result.TicketsToday >= svc.TotalQuota || open == 0:
		// every counter still operating has used its quota
		result.Status, result.Reason = StatusFull, ReasonQuotaFull
	default:
		result.Status, result.Reason = StatusAvailable, ReasonOpen
	}
	return result
}

func EvaluateAll(services []catalog.Service, tickets []models.Ticket, now time.Time) []Result {
	results := make([]Result, 0, len(services))
	for _, svc := range services {
		results = append(results, Evaluate(svc, tickets, now))
	}
	return results
}

// OpenCounters returns the counters of an evaluated service that can take a
// new ticket, in code order.
func OpenCounters(result Result) []models.Counter {
	var counters []models.Counter
	for _, cr := range result.Counters {
		if cr.Status == CounterOpen {
			counters = append(counters, cr.Counter)
		}
	}
	catalog.SortByCode(counters)
	return counters
}

// WithinHours compares at minute granularity. A counter missing either
// bound is always open.
func WithinHours(counter models.Counter, now time.Time) bool {
	start, okStart := models.ParseClock(counter.ScheduleStart)
	end, okEnd := models.ParseClock(counter.ScheduleEnd)
	if !okStart || !okEnd {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	return start <= minute && minute <= end
}

func countToday(tickets []models.Ticket, now time.Time) map[models.ID]int {
	loc := now.Location()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	counts := make(map[models.ID]int)
	for _, ticket := range tickets {
		day, ok := ticket.Day(loc)
		if !ok || !day.Equal(today) {
			continue
		}
		counts[ticket.CounterID]++
	}
	return counts
}
