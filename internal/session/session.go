// Package session holds the state one running desk agent shares between
// the realtime reconciler and the screens it serves: the counter list, the
// day's ticket snapshot, round-robin memory and the controllers per counter.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/mpp-desk/internal/announce"
	"qms/mpp-desk/internal/availability"
	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/lifecycle"
	"qms/mpp-desk/internal/models"
	"qms/mpp-desk/internal/realtime"
	"qms/mpp-desk/internal/selector"

	"go.uber.org/zap"
)

// API is the part of the REST client the session needs.
type API interface {
	lifecycle.Mutator
	ListCounters(ctx context.Context) ([]models.Counter, error)
	GetCounter(ctx context.Context, id models.ID) (models.Counter, error)
	CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	DeleteCounter(ctx context.Context, id models.ID) error
	ListTrashedCounters(ctx context.Context) ([]models.Counter, error)
	RestoreCounter(ctx context.Context, id models.ID) (models.Counter, error)
	ForceDeleteCounter(ctx context.Context, id models.ID) error
	ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error)
	CreateTicket(ctx context.Context, counterID models.ID, serviceName string) (models.Ticket, error)
}

type Options struct {
	Location   *time.Location
	Now        func() time.Time
	Markers    *realtime.Markers
	Dispatcher *announce.Dispatcher
	Logger     *zap.Logger
}

type Session struct {
	api        API
	loc        *time.Location
	clock      func() time.Time
	memory     *selector.Memory
	rr         *selector.RoundRobin
	markers    *realtime.Markers
	dispatcher *announce.Dispatcher
	logger     *zap.Logger

	// takeMu serializes selection so two guests never read the same
	// round-robin position.
	takeMu sync.Mutex

	mu       sync.RWMutex
	counters []models.Counter
	services []catalog.Service
	tickets  []models.Ticket
	syncedAt time.Time
	// generation counts applied snapshots. A mutation result is only folded
	// in when no snapshot landed while its request was in flight.
	generation uint64
	closed     bool

	ctrlMu      sync.Mutex
	controllers map[models.ID]*lifecycle.Controller
}

func New(api API, opts Options) *Session {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Markers == nil {
		opts.Markers = realtime.NewMarkers(realtime.DefaultMarkerTTL, opts.Now)
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = announce.NewDispatcher(nil, nil, opts.Logger)
	}
	memory := selector.NewMemory()
	return &Session{
		api:         api,
		loc:         opts.Location,
		clock:       opts.Now,
		memory:      memory,
		rr:          selector.NewRoundRobin(memory),
		markers:     opts.Markers,
		dispatcher:  opts.Dispatcher,
		logger:      opts.Logger,
		controllers: make(map[models.ID]*lifecycle.Controller),
	}
}

// Now is the session clock in the configured timezone.
func (s *Session) Now() time.Time {
	return s.clock().In(s.loc)
}

func (s *Session) Markers() *realtime.Markers {
	return s.markers
}

func (s *Session) Notices() *announce.Notices {
	return s.dispatcher.Notices()
}

func (s *Session) SyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncedAt
}

func (s *Session) RefreshCounters(ctx context.Context) error {
	counters, err := s.api.ListCounters(ctx)
	if err != nil {
		return fmt.Errorf("list counters: %w", err)
	}
	s.ApplyCounters(counters)
	return nil
}

// Resync replaces the cache with a fresh snapshot of the counters and
// today's tickets. Nothing changes when either request fails.
func (s *Session) Resync(ctx context.Context) error {
	counters, err := s.api.ListCounters(ctx)
	if err != nil {
		return fmt.Errorf("list counters: %w", err)
	}
	tickets, err := s.api.ListTickets(ctx, s.Now())
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	s.ApplyCounters(counters)
	s.Apply(tickets)
	return nil
}

// Apply swaps in a ticket snapshot. Everything derived from it is
// recomputed on read.
func (s *Session) Apply(tickets []models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append([]models.Ticket(nil), tickets...)
	s.syncedAt = s.Now()
	s.generation++
}

func (s *Session) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Session) ApplyCounters(counters []models.Counter) {
	s.mu.Lock()
	s.counters = append([]models.Counter(nil), counters...)
	s.services = catalog.BuildServices(s.counters)
	byID := make(map[models.ID]models.Counter, len(s.counters))
	for _, counter := range s.counters {
		if !counter.Trashed() {
			byID[counter.ID] = counter
		}
	}
	s.mu.Unlock()

	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	for id, ctrl := range s.controllers {
		current, ok := byID[id]
		old := ctrl.Counter()
		if ok && current.Name == old.Name && current.Code == old.Code {
			continue
		}
		ctrl.Detach()
		delete(s.controllers, id)
	}
}

// upsert folds a ticket the API just returned into the snapshot so the
// screen does not wait for the next resync to show it. It never moves a
// cached ticket backwards. When a snapshot was applied after generation was
// read, the ticket only replaces a cached one it strictly advances. A newly
// called ticket supersedes the one previously called on the same counter,
// which the server has already closed.
func (s *Session) upsert(ticket models.Ticket, generation uint64) {
	if ticket.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.generation != generation
	applied := true
	found := false
	for i := range s.tickets {
		if s.tickets[i].ID != ticket.ID {
			continue
		}
		found = true
		incoming, cached := statusRank(ticket.Status), statusRank(s.tickets[i].Status)
		if incoming > cached || (incoming == cached && !stale) {
			s.tickets[i] = ticket
		} else {
			applied = false
		}
	}
	if !found {
		s.tickets = append(s.tickets, ticket)
	}
	if !applied || ticket.Status != models.StatusCalled {
		return
	}
	for i := range s.tickets {
		current := &s.tickets[i]
		if current.ID == ticket.ID || current.CounterID != ticket.CounterID || current.Status != models.StatusCalled {
			continue
		}
		current.Status = models.StatusDone
		if current.DoneAt == nil {
			at := s.Now()
			if ticket.CalledAt != nil {
				at = *ticket.CalledAt
			}
			current.DoneAt = &at
		}
	}
}

func statusRank(status string) int {
	switch status {
	case models.StatusWaiting:
		return 0
	case models.StatusCalled:
		return 1
	case models.StatusServed:
		return 2
	case models.StatusDone, models.StatusCanceled:
		return 3
	default:
		return -1
	}
}

func (s *Session) Counters() []models.Counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		if !counter.Trashed() {
			counters = append(counters, counter)
		}
	}
	catalog.SortByCode(counters)
	return counters
}

func (s *Session) Counter(id models.ID) (models.Counter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, counter := range s.counters {
		if counter.ID == id && !counter.Trashed() {
			return counter, true
		}
	}
	return models.Counter{}, false
}

// Services evaluates every service against the snapshot at the current
// time. Results are not cached: a schedule boundary can pass between two
// snapshots.
func (s *Session) Services() []availability.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return availability.EvaluateAll(s.services, s.tickets, s.Now())
}

func (s *Session) Service(name string) (availability.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := catalog.Find(s.services, name)
	if !ok {
		return availability.Result{}, ErrUnknownService
	}
	return availability.Evaluate(svc, s.tickets, s.Now()), nil
}

// TakeTicket issues a ticket for a service on the next counter in
// round-robin order. The service is re-evaluated first; nothing is sent
// when it is full or closed.
func (s *Session) TakeTicket(ctx context.Context, serviceName string) (models.Ticket, models.Counter, error) {
	if s.isClosed() {
		return models.Ticket{}, models.Counter{}, ErrClosed
	}
	s.takeMu.Lock()
	defer s.takeMu.Unlock()

	result, err := s.Service(serviceName)
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	if result.Status != availability.StatusAvailable {
		return models.Ticket{}, models.Counter{}, fmt.Errorf("%w: %s", ErrServiceUnavailable, result.Reason)
	}
	counter, ok := s.rr.Select(result.Service, availability.OpenCounters(result))
	if !ok {
		return models.Ticket{}, models.Counter{}, fmt.Errorf("%w: %s", ErrServiceUnavailable, availability.ReasonQuotaFull)
	}
	generation := s.currentGeneration()
	ticket, err := s.api.CreateTicket(ctx, counter.ID, result.Service)
	if err != nil {
		s.logger.Warn("create ticket failed",
			zap.String("service", result.Service),
			zap.String("counter_id", counter.ID.String()),
			zap.Error(err),
		)
		return models.Ticket{}, counter, err
	}
	if ticket.CounterID == "" {
		ticket.CounterID = counter.ID
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusWaiting
	}
	s.upsert(ticket, generation)
	s.logger.Info("ticket issued",
		zap.String("service", result.Service),
		zap.String("counter_code", counter.Code),
		zap.String("queue_number", ticket.QueueNumber),
	)
	return ticket, counter, nil
}

// Desk builds the CS view of one counter from today's tickets.
func (s *Session) Desk(counterID models.ID) (lifecycle.Desk, error) {
	if _, ok := s.Counter(counterID); !ok {
		return lifecycle.Desk{}, ErrUnknownCounter
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.Now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if day, ok := ticket.Day(s.loc); ok && !day.Equal(today) {
			continue
		}
		tickets = append(tickets, ticket)
	}
	return lifecycle.NewDesk(counterID, tickets), nil
}

// Controller returns the controller for a counter, creating it on first
// use. A controller is replaced when its counter is renamed or recoded.
func (s *Session) Controller(counterID models.ID) (*lifecycle.Controller, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	counter, ok := s.Counter(counterID)
	if !ok {
		return nil, ErrUnknownCounter
	}
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if ctrl, ok := s.controllers[counterID]; ok {
		return ctrl, nil
	}
	ctrl := lifecycle.NewController(counter, s.api, s.dispatcher, s.logger)
	s.controllers[counterID] = ctrl
	return ctrl, nil
}

// Act runs one desk action against the latest snapshot and folds the
// result back into it.
func (s *Session) Act(ctx context.Context, counterID models.ID, action string, ticketID models.ID) (models.Ticket, error) {
	ctrl, err := s.Controller(counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	desk, err := s.Desk(counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	generation := s.currentGeneration()
	var ticket models.Ticket
	switch action {
	case lifecycle.ActionCall, lifecycle.ActionRecall:
		ticket, err = ctrl.Call(ctx, desk, ticketID)
	case lifecycle.ActionServe:
		ticket, err = ctrl.Serve(ctx, desk, ticketID)
	case lifecycle.ActionComplete:
		ticket, err = ctrl.Complete(ctx, desk, ticketID)
	case lifecycle.ActionCancel:
		ticket, err = ctrl.Cancel(ctx, desk)
	case lifecycle.ActionCallNext:
		ticket, err = ctrl.CallNext(ctx, desk)
	default:
		return models.Ticket{}, fmt.Errorf("%w: %s", lifecycle.ErrInvalidTransition, action)
	}
	if err != nil {
		return models.Ticket{}, err
	}
	s.upsert(ticket, generation)
	return ticket, nil
}

// Close ends the session: round-robin memory, markers and notices are
// dropped and every controller is detached.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.ctrlMu.Lock()
	for id, ctrl := range s.controllers {
		ctrl.Detach()
		delete(s.controllers, id)
	}
	s.ctrlMu.Unlock()

	s.memory.Reset()
	s.markers.Reset()
	s.dispatcher.Notices().Clear()
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Trashed lists soft-deleted counters, most recently deleted first.
func (s *Session) Trashed(ctx context.Context) ([]models.Counter, error) {
	counters, err := s.api.ListTrashedCounters(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(counters, func(i, j int) bool {
		a, b := counters[i].DeletedAt, counters[j].DeletedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return counters, nil
}
