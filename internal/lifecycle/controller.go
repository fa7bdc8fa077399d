// Package lifecycle guards the CS desk actions on a counter's tickets.
//
// Every action is checked against the latest snapshot before a request is
// made. Requests are sent once; on failure the error is returned and nothing
// local changes, the next resync is the source of truth.
package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"qms/mpp-desk/internal/models"

	"go.uber.org/zap"
)

// Mutator issues ticket transitions against the API.
type Mutator interface {
	CallTicket(ctx context.Context, id models.ID) (models.Ticket, error)
	ServeTicket(ctx context.Context, id models.ID) (models.Ticket, error)
	CompleteTicket(ctx context.Context, id models.ID) (models.Ticket, error)
	CancelTicket(ctx context.Context, id models.ID) (models.Ticket, error)
	CallNext(ctx context.Context, counterID, queueID models.ID) (models.Ticket, error)
}

// Announcer voices a freshly called ticket. It must not block for long and
// never reports failure.
type Announcer interface {
	Announce(ctx context.Context, ticket models.Ticket, counter models.Counter)
}

type Controller struct {
	counter         models.Counter
	mutator         Mutator
	announcer       Announcer
	logger          *zap.Logger
	announceTimeout time.Duration

	busy     atomic.Bool
	detached atomic.Bool
}

func NewController(counter models.Counter, mutator Mutator, announcer Announcer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		counter:         counter,
		mutator:         mutator,
		announcer:       announcer,
		logger:          logger.With(zap.String("counter_id", counter.ID.String())),
		announceTimeout: 10 * time.Second,
	}
}

func (c *Controller) Counter() models.Counter {
	return c.counter
}

// Detach marks the owning view as gone. Requests already in flight finish
// but their results are dropped.
func (c *Controller) Detach() {
	c.detached.Store(true)
}

// Call calls a waiting ticket, or recalls the ticket already called.
func (c *Controller) Call(ctx context.Context, desk Desk, id models.ID) (models.Ticket, error) {
	if err := c.begin(); err != nil {
		return models.Ticket{}, err
	}
	defer c.end()

	ticket, ok := desk.Find(id)
	if !ok {
		return models.Ticket{}, ErrTicketNotFound
	}
	if err := checkCall(desk, ticket); err != nil {
		return models.Ticket{}, err
	}
	return c.call(ctx, ticket)
}

// Serve starts serving a called ticket. A waiting ticket is called first
// and served once the call is confirmed.
func (c *Controller) Serve(ctx context.Context, desk Desk, id models.ID) (models.Ticket, error) {
	if err := c.begin(); err != nil {
		return models.Ticket{}, err
	}
	defer c.end()

	ticket, ok := desk.Find(id)
	if !ok {
		return models.Ticket{}, ErrTicketNotFound
	}
	if ticket.Status == models.StatusWaiting {
		if err := checkCall(desk, ticket); err != nil {
			return models.Ticket{}, err
		}
		called, err := c.call(ctx, ticket)
		if err != nil {
			return models.Ticket{}, err
		}
		ticket = called
	} else if !ValidTransition(ActionServe, ticket.Status) {
		return models.Ticket{}, ErrInvalidTransition
	}
	if served, ok := desk.Served(); ok && served.ID != ticket.ID {
		return models.Ticket{}, ErrCounterBusy
	}

	result, err := c.mutator.ServeTicket(ctx, ticket.ID)
	if err != nil {
		return models.Ticket{}, c.failed(ActionServe, ticket, err)
	}
	return c.settle(result, ticket, models.StatusServed)
}

func (c *Controller) Complete(ctx context.Context, desk Desk, id models.ID) (models.Ticket, error) {
	if err := c.begin(); err != nil {
		return models.Ticket{}, err
	}
	defer c.end()

	ticket, ok := desk.Find(id)
	if !ok {
		return models.Ticket{}, ErrTicketNotFound
	}
	if !ValidTransition(ActionComplete, ticket.Status) {
		return models.Ticket{}, ErrInvalidTransition
	}
	result, err := c.mutator.CompleteTicket(ctx, ticket.ID)
	if err != nil {
		return models.Ticket{}, c.failed(ActionComplete, ticket, err)
	}
	return c.settle(result, ticket, models.StatusDone)
}

// Cancel drops the counter's active ticket: the served one if any,
// otherwise the called one.
func (c *Controller) Cancel(ctx context.Context, desk Desk) (models.Ticket, error) {
	if err := c.begin(); err != nil {
		return models.Ticket{}, err
	}
	defer c.end()

	ticket, ok := desk.Served()
	if !ok {
		ticket, ok = desk.Called()
	}
	if !ok {
		return models.Ticket{}, ErrNoActiveTicket
	}
	result, err := c.mutator.CancelTicket(ctx, ticket.ID)
	if err != nil {
		return models.Ticket{}, c.failed(ActionCancel, ticket, err)
	}
	return c.settle(result, ticket, models.StatusCanceled)
}

// CallNext calls the waiting ticket that follows the last called one.
func (c *Controller) CallNext(ctx context.Context, desk Desk) (models.Ticket, error) {
	if err := c.begin(); err != nil {
		return models.Ticket{}, err
	}
	defer c.end()

	if _, ok := desk.Served(); ok {
		return models.Ticket{}, ErrCounterBusy
	}
	next, ok := desk.NextWaiting()
	if !ok {
		return models.Ticket{}, ErrNoWaiting
	}
	result, err := c.mutator.CallNext(ctx, c.counter.ID, next.ID)
	if err != nil {
		return models.Ticket{}, c.failed(ActionCallNext, next, err)
	}
	called, err := c.settle(result, next, models.StatusCalled)
	if err != nil {
		return models.Ticket{}, err
	}
	c.announce(called)
	return called, nil
}

func checkCall(desk Desk, ticket models.Ticket) error {
	if !ValidTransition(ActionCall, ticket.Status) && !ValidTransition(ActionRecall, ticket.Status) {
		return ErrInvalidTransition
	}
	if served, ok := desk.Served(); ok && served.ID != ticket.ID {
		return ErrCounterBusy
	}
	if called, ok := desk.Called(); ok && called.ID != ticket.ID {
		return ErrCounterBusy
	}
	return nil
}

func (c *Controller) call(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	result, err := c.mutator.CallTicket(ctx, ticket.ID)
	if err != nil {
		return models.Ticket{}, c.failed(ActionCall, ticket, err)
	}
	called, err := c.settle(result, ticket, models.StatusCalled)
	if err != nil {
		return models.Ticket{}, err
	}
	c.announce(called)
	return called, nil
}

func (c *Controller) begin() error {
	if c.detached.Load() {
		return ErrDetached
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *Controller) end() {
	c.busy.Store(false)
}

// settle fills gaps in a sparse API answer from the ticket we acted on.
func (c *Controller) settle(result, local models.Ticket, status string) (models.Ticket, error) {
	if c.detached.Load() {
		return models.Ticket{}, ErrDetached
	}
	if result.ID == "" {
		result.ID = local.ID
	}
	if result.CounterID == "" {
		result.CounterID = local.CounterID
	}
	if result.QueueNumber == "" {
		result.QueueNumber = local.QueueNumber
	}
	if result.Status == "" {
		result.Status = status
	}
	if result.CreatedAt == nil {
		result.CreatedAt = local.CreatedAt
	}
	return result, nil
}

func (c *Controller) failed(action string, ticket models.Ticket, err error) error {
	c.logger.Warn("ticket action failed",
		zap.String("action", action),
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("queue_number", ticket.QueueNumber),
		zap.Error(err),
	)
	return fmt.Errorf("%s %s: %w", action, ticket.QueueNumber, err)
}

func (c *Controller) announce(ticket models.Ticket) {
	if c.announcer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.announceTimeout)
		defer cancel()
		c.announcer.Announce(ctx, ticket, c.counter)
	}()
}
