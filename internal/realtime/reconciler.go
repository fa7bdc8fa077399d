package realtime

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"qms/mpp-desk/internal/models"

	"go.uber.org/zap"
)

var (
	resyncTotal     = expvar.NewInt("realtime_resyncs_total")
	reconnectTotal  = expvar.NewInt("realtime_reconnects_total")
	eventTotal      = expvar.NewInt("realtime_events_total")
	resyncFailTotal = expvar.NewInt("realtime_resync_failures_total")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StatePolling      State = "polling"
)

const DefaultChannel = "queues"

type Options struct {
	Channel string
	// Attempts is how many consecutive subscription failures are tolerated
	// before falling back to polling.
	Attempts     int
	RetryDelay   time.Duration
	PollInterval time.Duration
	// ResubscribeInterval is how long polling lasts before the subscription
	// is tried again with a fresh attempt budget.
	ResubscribeInterval time.Duration
	RefreshInterval     time.Duration
	Logger              *zap.Logger
}

// ResyncFunc fetches a full snapshot and recomputes everything derived
// from it.
type ResyncFunc func(ctx context.Context) error

// Status is a point-in-time view of the reconciler.
type Status struct {
	State      State     `json:"state"`
	Channel    string    `json:"channel"`
	Failures   int       `json:"failures"`
	LastEvent  time.Time `json:"last_event,omitempty"`
	LastResync time.Time `json:"last_resync,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Markers    []Marker  `json:"markers"`
}

// Reconciler keeps the local snapshot in step with the server. Events only
// say that something changed; every one of them triggers a full resync.
type Reconciler struct {
	subscriber Subscriber
	resync     ResyncFunc
	markers    *Markers
	opts       Options
	logger     *zap.Logger

	resyncMu sync.Mutex

	mu         sync.Mutex
	state      State
	failures   int
	lastEvent  time.Time
	lastResync time.Time
	lastErr    error
}

func NewReconciler(subscriber Subscriber, resync ResyncFunc, markers *Markers, opts Options) *Reconciler {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if markers == nil {
		markers = NewMarkers(DefaultMarkerTTL, nil)
	}
	return &Reconciler{
		subscriber: subscriber,
		resync:     resync,
		markers:    markers,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("channel", opts.Channel)),
		state:      StateDisconnected,
	}
}

func (r *Reconciler) Markers() *Markers {
	return r.markers
}

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	status := Status{
		State:      r.state,
		Channel:    r.opts.Channel,
		Failures:   r.failures,
		LastEvent:  r.lastEvent,
		LastResync: r.lastResync,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()
	status.Markers = r.markers.Active()
	if status.Markers == nil {
		status.Markers = []Marker{}
	}
	return status
}

// Run blocks until ctx is done. Without a subscriber it polls from the start.
// Otherwise polling only bridges the gap until the next subscription attempt.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.setState(StateDisconnected)
	r.Resync(ctx)

	if r.subscriber == nil {
		return r.poll(ctx, 0)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.setState(StateConnecting)
		sub, err := r.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures := r.fail(err)
			r.logger.Warn("realtime subscribe failed",
				zap.Int("attempt", failures),
				zap.Int("attempts", r.opts.Attempts),
				zap.Error(err),
			)
			if failures >= r.opts.Attempts {
				r.logger.Warn("realtime unavailable, polling",
					zap.Duration("interval", r.opts.PollInterval),
					zap.Duration("resubscribe_in", r.opts.ResubscribeInterval),
				)
				if err := r.poll(ctx, r.opts.ResubscribeInterval); err != nil {
					return err
				}
				r.retry()
				r.logger.Info("retrying realtime subscription")
			} else if err := r.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		r.connected()
		r.Resync(ctx)
		err = r.consume(ctx, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnectTotal.Add(1)
		r.logger.Warn("realtime connection lost", zap.Error(err))
		r.dropped(err)
		if err := r.backoff(ctx); err != nil {
			return err
		}
	}
}

// Resync runs the resync hook. Concurrent calls are serialized so that two
// snapshots never race to be applied.
func (r *Reconciler) Resync(ctx context.Context) {
	if r.resync == nil {
		return
	}
	r.resyncMu.Lock()
	defer r.resyncMu.Unlock()
	resyncTotal.Add(1)
	if err := r.resync(ctx); err != nil {
		resyncFailTotal.Add(1)
		if ctx.Err() == nil {
			r.logger.Warn("resync failed", zap.Error(err))
		}
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.lastResync = time.Now()
	r.mu.Unlock()
}

// Handle applies one event. Called tickets get a marker before the
// snapshot is refetched, so the marker survives the ticket moving on.
func (r *Reconciler) Handle(ctx context.Context, ev Event) {
	eventTotal.Add(1)
	r.mu.Lock()
	r.lastEvent = time.Now()
	r.mu.Unlock()
	if ev.Status == models.StatusCalled && ev.CounterID != "" {
		r.markers.Mark(ev)
	}
	r.Resync(ctx)
}

func (r *Reconciler) subscribe(ctx context.Context) (sub Subscription, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscribe panicked: %v", rec)
		}
		if err != nil && sub != nil {
			_ = sub.Close()
			sub = nil
		}
	}()
	return r.subscriber.Subscribe(ctx, r.opts.Channel)
}

func (r *Reconciler) consume(ctx context.Context, sub Subscription) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("event handler panicked: %v", rec)
		}
		_ = sub.Close()
	}()

	var refresh <-chan time.Time
	if r.opts.RefreshInterval > 0 {
		ticker := time.NewTicker(r.opts.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh:
			r.Resync(ctx)
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ErrChannelClosed
			}
			r.Handle(ctx, ev)
		}
	}
}

// poll resyncs on every tick. It returns nil once resubscribe has elapsed;
// a zero resubscribe polls until ctx is done.
func (r *Reconciler) poll(ctx context.Context, resubscribe time.Duration) error {
	r.setState(StatePolling)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	var until <-chan time.Time
	if resubscribe > 0 {
		timer := time.NewTimer(resubscribe)
		defer timer.Stop()
		until = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-until:
			return nil
		case <-ticker.C:
			r.Resync(ctx)
		}
	}
}

func (r *Reconciler) backoff(ctx context.Context) error {
	r.setState(StateBackoff)
	timer := time.NewTimer(r.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Reconciler) connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateConnected
	r.failures = 0
	r.lastErr = nil
}

// dropped records a lost connection. Reconnecting starts a fresh attempt
// budget.
func (r *Reconciler) dropped(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	r.lastErr = err
}

func (r *Reconciler) retry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}

func (r *Reconciler) fail(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = errors.New("unknown")
	}
	r.failures++
	r.lastErr = err
	return r.failures
}

func (r *Reconciler) setState(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}
