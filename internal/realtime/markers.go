package realtime

import (
	"sort"
	"sync"
	"time"

	"qms/mpp-desk/internal/models"
)

// DefaultMarkerTTL is how long a counter keeps showing its last call.
const DefaultMarkerTTL = 15 * time.Second

// Marker records that a counter called a ticket. It expires on its own
// schedule regardless of what later happens to the ticket.
type Marker struct {
	CounterID   models.ID `json:"counter_id"`
	TicketID    models.ID `json:"ticket_id"`
	QueueNumber string    `json:"queue_number"`
	CalledAt    time.Time `json:"called_at"`
	Until       time.Time `json:"until"`
}

type Markers struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	markers map[models.ID]Marker
}

func NewMarkers(ttl time.Duration, now func() time.Time) *Markers {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Markers{ttl: ttl, now: now, markers: make(map[models.ID]Marker)}
}

func (m *Markers) Mark(ev Event) Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	marker := Marker{
		CounterID:   ev.CounterID,
		TicketID:    ev.TicketID,
		QueueNumber: ev.QueueNumber,
		CalledAt:    at,
		Until:       at.Add(m.ttl),
	}
	m.markers[ev.CounterID] = marker
	return marker
}

func (m *Markers) Get(counterID models.ID) (Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[counterID]
	if !ok {
		return Marker{}, false
	}
	if !m.now().Before(marker.Until) {
		delete(m.markers, counterID)
		return Marker{}, false
	}
	return marker, true
}

// Active lists unexpired markers, most recent call first.
func (m *Markers) Active() []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var active []Marker
	for id, marker := range m.markers {
		if !now.Before(marker.Until) {
			delete(m.markers, id)
			continue
		}
		active = append(active, marker)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CalledAt.After(active[j].CalledAt)
	})
	return active
}

func (m *Markers) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers = make(map[models.ID]Marker)
}
