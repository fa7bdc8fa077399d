// Package selector assigns new tickets to counters of a service in strict
// round-robin order.
package selector

import (
	"sync"

	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/models"
)

// Memory remembers the last counter each service handed a ticket to. It
// lives as long as the session that owns it and is never persisted.
type Memory struct {
	mu   sync.Mutex
	last map[string]models.ID
}

func NewMemory() *Memory {
	return &Memory{last: make(map[string]models.ID)}
}

func (m *Memory) Last(service string) (models.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.last[service]
	return id, ok
}

func (m *Memory) Remember(service string, counterID models.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[service] = counterID
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = make(map[string]models.ID)
}

type RoundRobin struct {
	memory *Memory
}

func NewRoundRobin(memory *Memory) *RoundRobin {
	return &RoundRobin{memory: memory}
}

// Select picks the counter after the previously used one within the
// current open set. When the previous counter is no longer open the cycle
// restarts at the lowest code.
func (r *RoundRobin) Select(service string, open []models.Counter) (models.Counter, bool) {
	if len(open) == 0 {
		return models.Counter{}, false
	}
	ordered := append([]models.Counter(nil), open...)
	catalog.SortByCode(ordered)

	next := 0
	if last, ok := r.memory.Last(service); ok {
		for i, counter := range ordered {
			if counter.ID == last {
				next = (i + 1) % len(ordered)
				break
			}
		}
	}
	chosen := ordered[next]
	r.memory.Remember(service, chosen.ID)
	return chosen, true
}
