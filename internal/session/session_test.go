package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/mpp-desk/internal/announce"
	"qms/mpp-desk/internal/api"
	"qms/mpp-desk/internal/availability"
	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/lifecycle"
	"qms/mpp-desk/internal/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var wib = time.FixedZone("WIB", 7*60*60)

type fakeAPI struct {
	mu sync.Mutex

	counters []models.Counter
	trashed  []models.Counter
	tickets  []models.Ticket

	listCountersErr error
	listTicketsErr  error
	createTicketErr error
	callErr         error

	// afterCall runs once a call has been recorded, before the response
	// reaches the session.
	afterCall func(models.Ticket)

	created  []models.Counter
	issuedTo []models.ID
	now      time.Time
}

func (f *fakeAPI) ListCounters(ctx context.Context) ([]models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listCountersErr != nil {
		return nil, f.listCountersErr
	}
	return append([]models.Counter(nil), f.counters...), nil
}

func (f *fakeAPI) GetCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, counter := range f.counters {
		if counter.ID == id {
			return counter, nil
		}
	}
	return models.Counter{}, api.ErrNotFound
}

func (f *fakeAPI) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counter.ID = models.ID(fmt.Sprint(100 + len(f.created)))
	f.created = append(f.created, counter)
	f.counters = append(f.counters, counter)
	return counter, nil
}

func (f *fakeAPI) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.counters {
		if f.counters[i].ID == counter.ID {
			f.counters[i] = counter
			return counter, nil
		}
	}
	return models.Counter{}, api.ErrNotFound
}

func (f *fakeAPI) DeleteCounter(ctx context.Context, id models.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, counter := range f.counters {
		if counter.ID == id {
			deleted := f.now
			counter.DeletedAt = &deleted
			f.trashed = append(f.trashed, counter)
			f.counters = append(f.counters[:i], f.counters[i+1:]...)
			return nil
		}
	}
	return api.ErrNotFound
}

func (f *fakeAPI) ListTrashedCounters(ctx context.Context) ([]models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Counter(nil), f.trashed...), nil
}

func (f *fakeAPI) RestoreCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, counter := range f.trashed {
		if counter.ID == id {
			counter.DeletedAt = nil
			f.trashed = append(f.trashed[:i], f.trashed[i+1:]...)
			f.counters = append(f.counters, counter)
			return counter, nil
		}
	}
	return models.Counter{}, api.ErrNotFound
}

func (f *fakeAPI) ForceDeleteCounter(ctx context.Context, id models.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, counter := range f.trashed {
		if counter.ID == id {
			f.trashed = append(f.trashed[:i], f.trashed[i+1:]...)
			return nil
		}
	}
	return api.ErrNotFound
}

func (f *fakeAPI) ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listTicketsErr != nil {
		return nil, f.listTicketsErr
	}
	return append([]models.Ticket(nil), f.tickets...), nil
}

func (f *fakeAPI) CreateTicket(ctx context.Context, counterID models.ID, serviceName string) (models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createTicketErr != nil {
		return models.Ticket{}, f.createTicketErr
	}
	f.issuedTo = append(f.issuedTo, counterID)
	created := f.now
	ticket := models.Ticket{
		ID:          models.ID(fmt.Sprint(len(f.tickets) + 1)),
		CounterID:   counterID,
		QueueNumber: fmt.Sprintf("AA-%s-20250115-%03d", counterID, len(f.tickets)+1),
		Status:      models.StatusWaiting,
		CreatedAt:   &created,
	}
	f.tickets = append(f.tickets, ticket)
	return ticket, nil
}

func (f *fakeAPI) setStatus(id models.ID, status string) (models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tickets {
		if f.tickets[i].ID == id {
			f.tickets[i].Status = status
			return f.tickets[i], nil
		}
	}
	return models.Ticket{}, api.ErrNotFound
}

func (f *fakeAPI) CallTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	if f.callErr != nil {
		return models.Ticket{}, f.callErr
	}
	ticket, err := f.setStatus(id, models.StatusCalled)
	if err == nil && f.afterCall != nil {
		f.afterCall(ticket)
	}
	return ticket, err
}

func (f *fakeAPI) ServeTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return f.setStatus(id, models.StatusServed)
}

func (f *fakeAPI) CompleteTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return f.setStatus(id, models.StatusDone)
}

func (f *fakeAPI) CancelTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return f.setStatus(id, models.StatusCanceled)
}

// CallNext closes whatever the counter had called before calling the next
// ticket, the way the server does.
func (f *fakeAPI) CallNext(ctx context.Context, counterID, queueID models.ID) (models.Ticket, error) {
	f.mu.Lock()
	for i := range f.tickets {
		if f.tickets[i].CounterID == counterID && f.tickets[i].Status == models.StatusCalled {
			f.tickets[i].Status = models.StatusDone
		}
	}
	f.mu.Unlock()
	return f.setStatus(queueID, models.StatusCalled)
}

func counter(id, name, code string, quota int) models.Counter {
	return models.Counter{
		ID:            models.ID(id),
		Name:          name,
		Code:          code,
		DailyQuota:    quota,
		ScheduleStart: "08:00:00",
		ScheduleEnd:   "16:00:00",
		Active:        true,
	}
}

func newTestSession(t *testing.T, fake *fakeAPI) *Session {
	t.Helper()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, wib)
	fake.now = now
	s := New(fake, Options{
		Location:   wib,
		Now:        func() time.Time { return now },
		Dispatcher: announce.NewDispatcher(nil, announce.NewNotices(5), zap.NewNop()),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, s.Resync(context.Background()))
	return s
}

func TestTakeTicketRoundRobin(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{
		counter("2", "Akta", "AA-002", 10),
		counter("1", "Akta", "AA-001", 10),
	}}
	s := newTestSession(t, fake)

	var codes []string
	for i := 0; i < 3; i++ {
		_, chosen, err := s.TakeTicket(context.Background(), "Akta")
		require.NoError(t, err)
		codes = append(codes, chosen.Code)
	}
	require.Equal(t, []string{"AA-001", "AA-002", "AA-001"}, codes)
	require.Equal(t, []models.ID{"1", "2", "1"}, fake.issuedTo)

	result, err := s.Service("Akta")
	require.NoError(t, err)
	require.Equal(t, 3, result.TicketsToday)
	require.Equal(t, 17, result.RemainingQuota)
}

func TestTakeTicketRejectsFullService(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Paspor", "PP-001", 1)}}
	s := newTestSession(t, fake)

	_, _, err := s.TakeTicket(context.Background(), "Paspor")
	require.NoError(t, err)

	_, _, err = s.TakeTicket(context.Background(), "Paspor")
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Len(t, fake.issuedTo, 1)
}

func TestTakeTicketRejectsClosedService(t *testing.T) {
	closed := counter("1", "Pajak", "PJ-001", 5)
	closed.ScheduleStart = "13:00:00"
	fake := &fakeAPI{counters: []models.Counter{closed}}
	s := newTestSession(t, fake)

	_, _, err := s.TakeTicket(context.Background(), "Pajak")
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Contains(t, err.Error(), availability.ReasonOutOfHours)
	require.Empty(t, fake.issuedTo)
}

func TestTakeTicketUnknownService(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	_, _, err := s.TakeTicket(context.Background(), "Imigrasi")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestTakeTicketFailureKeepsSnapshot(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	fake.createTicketErr = &api.Error{Status: 422, Message: "Kuota habis"}

	_, _, err := s.TakeTicket(context.Background(), "Akta")
	require.Error(t, err)
	require.Equal(t, "Kuota habis", api.Message(err))

	result, err := s.Service("Akta")
	require.NoError(t, err)
	require.Equal(t, 0, result.TicketsToday)
}

func TestResyncFailureLeavesState(t *testing.T) {
	fake := &fakeAPI{
		counters: []models.Counter{counter("1", "Akta", "AA-001", 10)},
	}
	s := newTestSession(t, fake)
	synced := s.SyncedAt()

	fake.counters = nil
	fake.listTicketsErr = errors.New("timeout")
	require.Error(t, s.Resync(context.Background()))

	require.Len(t, s.Counters(), 1)
	require.Equal(t, synced, s.SyncedAt())
}

func TestServicesExcludeTrashedCounters(t *testing.T) {
	deleted := time.Date(2025, 1, 14, 9, 0, 0, 0, wib)
	gone := counter("2", "Akta", "AA-002", 10)
	gone.DeletedAt = &deleted
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10), gone}}
	s := newTestSession(t, fake)

	services := s.Services()
	require.Len(t, services, 1)
	require.Len(t, services[0].Counters, 1)
	_, err := s.Desk("2")
	require.ErrorIs(t, err, ErrUnknownCounter)
}

func TestActCallAnnouncesAndUpdatesDesk(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	ticket, _, err := s.TakeTicket(context.Background(), "Akta")
	require.NoError(t, err)

	called, err := s.Act(context.Background(), "1", lifecycle.ActionCall, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, called.Status)

	desk, err := s.Desk("1")
	require.NoError(t, err)
	current, ok := desk.Called()
	require.True(t, ok)
	require.Equal(t, ticket.ID, current.ID)
	require.Equal(t, lifecycle.Buttons{Call: true, Serve: true, Cancel: true, CallNext: true}, desk.Buttons())

	require.Eventually(t, func() bool {
		latest, ok := s.Notices().Latest()
		return ok && latest.CounterCode == "AA-001"
	}, time.Second, 5*time.Millisecond)
}

func TestActValidationSendsNothing(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	ticket, _, err := s.TakeTicket(context.Background(), "Akta")
	require.NoError(t, err)

	_, err = s.Act(context.Background(), "1", lifecycle.ActionComplete, ticket.ID)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = s.Act(context.Background(), "1", lifecycle.ActionCancel, "")
	require.ErrorIs(t, err, lifecycle.ErrNoActiveTicket)

	_, err = s.Act(context.Background(), "1", "teleport", ticket.ID)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestControllerReplacedWhenCounterRecoded(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)

	first, err := s.Controller("1")
	require.NoError(t, err)
	same, err := s.Controller("1")
	require.NoError(t, err)
	require.Same(t, first, same)

	fake.counters[0].Code = "AA-009"
	require.NoError(t, s.RefreshCounters(context.Background()))

	second, err := s.Controller("1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, "AA-009", second.Counter().Code)

	_, err = first.CallNext(context.Background(), lifecycle.NewDesk("1", nil))
	require.ErrorIs(t, err, lifecycle.ErrDetached)
}

func TestCloseClearsSessionState(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	s.Notices().Push(announce.Announcement{QueueNumber: "AA-01-20250115-001"})

	s.Close()

	require.Empty(t, s.Notices().List())
	_, ok := s.memory.Last("Akta")
	require.False(t, ok)
	_, _, err := s.TakeTicket(context.Background(), "Akta")
	require.ErrorIs(t, err, ErrClosed)
}

func TestCreateCounterAssignsNextCode(t *testing.T) {
	deleted := time.Date(2025, 1, 1, 9, 0, 0, 0, wib)
	old := counter("9", "Akta", "AA-003", 5)
	old.DeletedAt = &deleted
	fake := &fakeAPI{
		counters: []models.Counter{counter("1", "Akta", "AA-001", 10)},
		trashed:  []models.Counter{old},
	}
	s := newTestSession(t, fake)

	created, err := s.CreateCounter(context.Background(), models.Counter{Name: "Akta", DailyQuota: 20, Active: true}, "aa")
	require.NoError(t, err)
	require.Equal(t, "AA-004", created.Code)

	services := s.Services()
	require.Len(t, services, 1)
	require.Len(t, services[0].Counters, 2)
}

func TestCreateCounterValidation(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)

	_, err := s.CreateCounter(context.Background(), models.Counter{Name: "Akta", Code: "AA-001", DailyQuota: 5}, "")
	require.ErrorIs(t, err, ErrDuplicateCode)

	_, err = s.CreateCounter(context.Background(), models.Counter{Name: "Akta", Code: "AA-002"}, "")
	require.ErrorIs(t, err, catalog.ErrInvalidQuota)
	require.Empty(t, fake.created)
}

func TestDeleteAndRestoreCounter(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10), counter("2", "Akta", "AA-002", 10)}}
	s := newTestSession(t, fake)

	require.NoError(t, s.DeleteCounter(context.Background(), "2"))
	require.Len(t, s.Counters(), 1)

	trashed, err := s.Trashed(context.Background())
	require.NoError(t, err)
	require.Len(t, trashed, 1)

	_, err = s.RestoreCounter(context.Background(), "2")
	require.NoError(t, err)
	require.Len(t, s.Counters(), 2)
}

func countStatus(tickets []models.Ticket, status string) int {
	n := 0
	for _, ticket := range tickets {
		if ticket.Status == status {
			n++
		}
	}
	return n
}

func TestActCallNextSupersedesCalledTicket(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	first, _, err := s.TakeTicket(context.Background(), "Akta")
	require.NoError(t, err)
	second, _, err := s.TakeTicket(context.Background(), "Akta")
	require.NoError(t, err)

	_, err = s.Act(context.Background(), "1", lifecycle.ActionCall, first.ID)
	require.NoError(t, err)

	next, err := s.Act(context.Background(), "1", lifecycle.ActionCallNext, "")
	require.NoError(t, err)
	require.Equal(t, second.ID, next.ID)

	desk, err := s.Desk("1")
	require.NoError(t, err)
	require.Equal(t, 1, countStatus(desk.Tickets(), models.StatusCalled))
	current, ok := desk.Called()
	require.True(t, ok)
	require.Equal(t, second.ID, current.ID)
	previous, ok := desk.Find(first.ID)
	require.True(t, ok)
	require.Equal(t, models.StatusDone, previous.Status)
	require.NotNil(t, previous.DoneAt)
}

func TestActResultOlderThanResyncIsDropped(t *testing.T) {
	fake := &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}}
	s := newTestSession(t, fake)
	ticket, _, err := s.TakeTicket(context.Background(), "Akta")
	require.NoError(t, err)

	fake.afterCall = func(called models.Ticket) {
		_, err := fake.setStatus(called.ID, models.StatusServed)
		require.NoError(t, err)
		require.NoError(t, s.Resync(context.Background()))
	}

	called, err := s.Act(context.Background(), "1", lifecycle.ActionCall, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, called.Status)

	desk, err := s.Desk("1")
	require.NoError(t, err)
	served, ok := desk.Served()
	require.True(t, ok)
	require.Equal(t, ticket.ID, served.ID)
	_, ok = desk.Called()
	require.False(t, ok)
}

func TestUpsertNeverMovesTicketBackwards(t *testing.T) {
	tests := []struct {
		name     string
		cached   string
		incoming string
		stale    bool
		want     string
	}{
		{"advance", models.StatusCalled, models.StatusServed, false, models.StatusServed},
		{"advance after resync", models.StatusCalled, models.StatusServed, true, models.StatusServed},
		{"backwards", models.StatusServed, models.StatusCalled, false, models.StatusServed},
		{"backwards after resync", models.StatusDone, models.StatusWaiting, true, models.StatusDone},
		{"same status", models.StatusCalled, models.StatusCalled, false, models.StatusCalled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}})
			s.Apply([]models.Ticket{{ID: "7", CounterID: "1", Status: tt.cached}})
			generation := s.currentGeneration()
			if tt.stale {
				s.Apply([]models.Ticket{{ID: "7", CounterID: "1", Status: tt.cached}})
			}

			s.upsert(models.Ticket{ID: "7", CounterID: "1", Status: tt.incoming}, generation)

			desk, err := s.Desk("1")
			require.NoError(t, err)
			got, ok := desk.Find("7")
			require.True(t, ok)
			require.Equal(t, tt.want, got.Status)
		})
	}
}

func TestUpsertSameStatusAfterResyncKeepsSnapshot(t *testing.T) {
	s := newTestSession(t, &fakeAPI{counters: []models.Counter{counter("1", "Akta", "AA-001", 10)}})
	generation := s.currentGeneration()
	s.Apply([]models.Ticket{{ID: "7", CounterID: "1", QueueNumber: "AA-001-20250115-007", Status: models.StatusCalled}})

	s.upsert(models.Ticket{ID: "7", CounterID: "1", QueueNumber: "stale", Status: models.StatusCalled}, generation)

	desk, err := s.Desk("1")
	require.NoError(t, err)
	got, ok := desk.Find("7")
	require.True(t, ok)
	require.Equal(t, "AA-001-20250115-007", got.QueueNumber)
}
