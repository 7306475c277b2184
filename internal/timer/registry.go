// Package timer runs the client-side countdown of each ride's bidding window.
//
// A Registry owns one watch per ride. Each watch recomputes the remaining
// time from the wall clock on every tick, reconciles against the store on a
// slower period and listens to the change feed so it stops as soon as the
// ride leaves pending. Store outages put a watch into degraded mode: it keeps
// counting down from the last known timer and still expires locally.
package timer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

const (
	DefaultTickInterval      = time.Second
	DefaultReconcileInterval = 10 * time.Second

	storeCallTimeout = 5 * time.Second
)

type Store interface {
	EnsureTimer(ctx context.Context, rideID string, startedAt time.Time, d time.Duration) (models.BidTimer, error)
	GetTimer(ctx context.Context, rideID string) (models.BidTimer, error)
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
}

// Expirer moves a ride whose window elapsed without acceptance to
// cancelled. The store rejects the call if the ride is no longer pending.
type Expirer interface {
	ExpireRide(ctx context.Context, rideID string) (models.RideRequest, error)
}

// Observer is told the outcome of every read-path store call.
type Observer interface {
	Observe(ctx context.Context, err error)
}

// Update is delivered to OnUpdate on start, on every tick and once more when
// the watch ends.
type Update struct {
	RideID           string             `json:"ride_id"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Status           models.TimerStatus `json:"status"`
	// RideStatus is set when the watch ended because the ride left pending
	// through another path (an acceptance elsewhere, a cancellation).
	RideStatus models.RideStatus `json:"ride_status,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// Callbacks run on the watch goroutine and must not block for long.
type Callbacks struct {
	OnUpdate func(Update)
	OnExpire func()
}

type Options struct {
	Store    Store
	Feed     changefeed.Feed
	Clock    clock.Clock
	Local    localstate.TimerSnapshots
	Expirer  Expirer
	Observer Observer
	Logger   *slog.Logger

	TickInterval      time.Duration
	ReconcileInterval time.Duration
}

type Registry struct {
	opts Options

	mu      sync.Mutex
	watches map[string]*watch

	retries   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Local == nil {
		opts.Local = localstate.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	return &Registry{opts: opts, watches: make(map[string]*watch), done: make(chan struct{})}
}

// Start begins watching rideID, replacing any earlier watch for the same
// ride. The timer row is created with duration d if the store has none.
func (r *Registry) Start(ctx context.Context, rideID string, d time.Duration, cb Callbacks) (models.BidTimer, error) {
	if rideID == "" {
		return models.BidTimer{}, models.ValidationError{Field: "ride_id", Msg: "is required"}
	}
	if d <= 0 {
		return models.BidTimer{}, models.ValidationError{Field: "duration", Msg: "must be positive"}
	}
	r.Stop(rideID)

	log := r.opts.Logger.With("ride_id", rideID)
	now := r.opts.Clock.Now()
	bt, err := r.opts.Store.EnsureTimer(ctx, rideID, now, d)
	degraded := false
	switch {
	case models.IsStoreUnavailable(err):
		r.observe(ctx, err)
		snap, ok, lerr := r.opts.Local.LoadTimer(ctx, rideID)
		if lerr != nil || !ok {
			snap = models.NewBidTimer(rideID, now, d)
		}
		bt = snap
		degraded = true
		log.Warn("store unreachable, bid timer running from local state", "expires_at", bt.ExpiresAt)
	case err != nil:
		return models.BidTimer{}, err
	default:
		r.observe(ctx, nil)
	}
	if err := r.opts.Local.SaveTimer(ctx, bt); err != nil {
		log.Warn("save timer snapshot failed", "error", err)
	}

	w := r.newWatch(bt, cb, degraded, log)
	if r.opts.Feed != nil {
		sub, err := r.opts.Feed.Subscribe(w.ctx, rideID)
		if err != nil {
			log.Warn("subscribe to ride changes failed", "error", err)
		} else {
			w.sub = sub
		}
	}

	r.mu.Lock()
	prev := r.watches[rideID]
	r.watches[rideID] = w
	r.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	observability.ActiveTimers.Inc()
	go w.run()
	return bt, nil
}

// Stop ends the watch for rideID. It is a no-op for unknown or already
// stopped rides. No callback starts after Stop returns.
func (r *Registry) Stop(rideID string) {
	r.mu.Lock()
	w := r.watches[rideID]
	delete(r.watches, rideID)
	r.mu.Unlock()
	if w != nil {
		w.halt()
	}
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	ws := make([]*watch, 0, len(r.watches))
	for id, w := range r.watches {
		ws = append(ws, w)
		delete(r.watches, id)
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.halt()
	}
}

// Close stops every watch and abandons pending expiry retries.
func (r *Registry) Close() {
	r.StopAll()
	r.closeOnce.Do(func() { close(r.done) })
	r.retries.Wait()
}

// retryExpiry asks the store to expire rideID on every reconcile period
// until it succeeds, the ride has left pending, or the registry closes.
func (r *Registry) retryExpiry(rideID string, log *slog.Logger) {
	t := r.opts.Clock.NewTicker(r.opts.ReconcileInterval)
	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		defer t.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-t.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
			_, err := r.opts.Expirer.ExpireRide(ctx, rideID)
			cancel()
			switch {
			case err == nil:
				r.observe(context.Background(), nil)
				observability.TimerExpiriesTotal.WithLabelValues("retry").Inc()
				log.Info("ride expired after retry")
				return
			case models.IsConflict(err), models.IsNotFound(err):
				r.observe(context.Background(), nil)
				log.Debug("expiry retry no longer needed", "error", err)
				return
			default:
				r.observe(context.Background(), err)
				log.Debug("expire ride retry failed", "error", err)
			}
		}
	}()
}

// Remaining returns the last remaining seconds reported for rideID.
func (r *Registry) Remaining(rideID string) (int, bool) {
	r.mu.Lock()
	w := r.watches[rideID]
	r.mu.Unlock()
	if w == nil {
		return 0, false
	}
	return w.remainingNow(), true
}

// Watching lists the ride ids with a live watch.
func (r *Registry) Watching() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.watches))
	for id := range r.watches {
		out = append(out, id)
	}
	return out
}

func (r *Registry) forget(w *watch) {
	r.mu.Lock()
	if r.watches[w.rideID] == w {
		delete(r.watches, w.rideID)
	}
	r.mu.Unlock()
}

func (r *Registry) observe(ctx context.Context, err error) {
	if r.opts.Observer != nil {
		r.opts.Observer.Observe(ctx, err)
	}
}

// remainingSeconds rounds up so the countdown only shows 0 at expiresAt.
func remainingSeconds(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// ExpirerFunc adapts a function to Expirer.
type ExpirerFunc func(ctx context.Context, rideID string) (models.RideRequest, error)

func (f ExpirerFunc) ExpireRide(ctx context.Context, rideID string) (models.RideRequest, error) {
	return f(ctx, rideID)
}
