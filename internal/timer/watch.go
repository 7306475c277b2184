package timer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

type reconcileResult struct {
	timer models.BidTimer
	ride  models.RideRequest
	err   error
}

type watch struct {
	r      *Registry
	rideID string
	cb     Callbacks
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tick     *clock.Ticker
	recon    *clock.Ticker
	deadline <-chan time.Time
	sub      changefeed.Subscription
	results  chan reconcileResult

	// owned by the run goroutine
	timer    models.BidTimer
	degraded bool
	inflight bool

	mu   sync.Mutex
	last int

	stopped  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (r *Registry) newWatch(bt models.BidTimer, cb Callbacks, degraded bool, log *slog.Logger) *watch {
	ctx, cancel := context.WithCancel(context.Background())
	clk := r.opts.Clock
	return &watch{
		r:        r,
		rideID:   bt.RideID,
		cb:       cb,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		tick:     clk.NewTicker(r.opts.TickInterval),
		recon:    clk.NewTicker(r.opts.ReconcileInterval),
		deadline: clk.After(bt.ExpiresAt.Sub(clk.Now())),
		results:  make(chan reconcileResult, 1),
		timer:    bt,
		degraded: degraded,
		last:     math.MaxInt,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *watch) halt() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
	})
}

func (w *watch) run() {
	defer func() {
		w.tick.Stop()
		w.recon.Stop()
		w.cancel()
		if w.sub != nil {
			w.sub.Close()
		}
		observability.ActiveTimers.Dec()
		close(w.done)
	}()

	var events <-chan models.RideEvent
	if w.sub != nil {
		events = w.sub.Events()
	}

	if w.step() {
		return
	}
	if w.timer.Status == models.TimerExpired {
		// Closed at the store before its deadline; find out why.
		w.reconcile()
	}

	for {
		select {
		case <-w.stop:
			return
		case <-w.tick.C:
			if w.step() {
				return
			}
		case <-w.deadline:
			if w.step() {
				return
			}
		case <-w.recon.C:
			w.reconcile()
		case res := <-w.results:
			if w.apply(res) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Status != "" && ev.Status != models.RidePending {
				w.closed(ev.Status, "feed")
				return
			}
		}
	}
}

// step publishes the current remaining time and reports whether the watch
// ended.
func (w *watch) step() bool {
	now := w.r.opts.Clock.Now()
	secs := remainingSeconds(w.timer.ExpiresAt, now)
	w.mu.Lock()
	if secs > w.last {
		secs = w.last
	}
	w.last = secs
	w.mu.Unlock()

	if secs == 0 {
		w.expire()
		return true
	}
	w.publish(Update{RemainingSeconds: secs, Status: models.TimerActive})
	return false
}

func (w *watch) remainingNow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == math.MaxInt {
		return remainingSeconds(w.timer.ExpiresAt, w.r.opts.Clock.Now())
	}
	return w.last
}

func (w *watch) expire() {
	w.timer.Status = models.TimerExpired
	w.r.forget(w)
	w.publish(Update{RemainingSeconds: 0, Status: models.TimerExpired})
	if !w.stopped.Load() && w.cb.OnExpire != nil {
		w.cb.OnExpire()
	}
	observability.TimerExpiriesTotal.WithLabelValues("local").Inc()
	w.log.Info("bidding window expired")

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := w.r.opts.Local.SaveTimer(ctx, w.timer); err != nil {
		w.log.Warn("save timer snapshot failed", "error", err)
	}
	if w.r.opts.Expirer == nil {
		return
	}
	_, err := w.r.opts.Expirer.ExpireRide(ctx, w.rideID)
	switch {
	case err == nil:
	case models.IsConflict(err), models.IsNotFound(err):
		w.log.Debug("ride left pending before expiry", "error", err)
	default:
		if models.IsStoreUnavailable(err) {
			w.r.observe(ctx, err)
		}
		w.log.Warn("expire ride failed, retrying", "error", err)
		w.r.retryExpiry(w.rideID, w.log)
	}
}

// closed ends the watch because the ride left pending elsewhere.
func (w *watch) closed(status models.RideStatus, source string) {
	w.timer.Status = models.TimerExpired
	w.mu.Lock()
	w.last = 0
	w.mu.Unlock()
	w.r.forget(w)

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := w.r.opts.Local.DeleteTimer(ctx, w.rideID); err != nil {
		w.log.Warn("delete timer snapshot failed", "error", err)
	}
	observability.TimerExpiriesTotal.WithLabelValues(source).Inc()
	w.log.Info("bid timer closed", "ride_status", status, "source", source)
	w.publish(Update{RemainingSeconds: 0, Status: models.TimerExpired, RideStatus: status})
}

// reconcile reads the store off the watch goroutine so ticks never wait on
// it. At most one read is in flight.
func (w *watch) reconcile() {
	if w.inflight {
		return
	}
	w.inflight = true
	go func() {
		ctx, cancel := context.WithTimeout(w.ctx, storeCallTimeout)
		defer cancel()
		var res reconcileResult
		res.timer, res.err = w.r.opts.Store.GetTimer(ctx, w.rideID)
		if res.err == nil {
			res.ride, res.err = w.r.opts.Store.GetRide(ctx, w.rideID)
		}
		select {
		case w.results <- res:
		case <-w.ctx.Done():
		}
	}()
}

func (w *watch) apply(res reconcileResult) bool {
	w.inflight = false
	w.r.observe(w.ctx, res.err)
	switch {
	case models.IsStoreUnavailable(res.err):
		if !w.degraded {
			w.degraded = true
			w.log.Warn("store unreachable, bid timer degraded", "error", res.err)
		}
		return false
	case res.err != nil:
		w.log.Warn("reconcile bid timer failed", "error", res.err)
		return false
	}
	if w.degraded {
		w.degraded = false
		w.log.Info("bid timer reconciled with store")
	}
	if res.ride.Status != models.RidePending {
		w.closed(res.ride.Status, "reconcile")
		return true
	}
	if !res.timer.ExpiresAt.Equal(w.timer.ExpiresAt) {
		w.timer = res.timer
		w.deadline = w.r.opts.Clock.After(res.timer.ExpiresAt.Sub(w.r.opts.Clock.Now()))
	}
	if err := w.r.opts.Local.SaveTimer(w.ctx, w.timer); err != nil {
		w.log.Warn("save timer snapshot failed", "error", err)
	}
	return false
}

func (w *watch) publish(u Update) {
	if w.stopped.Load() || w.cb.OnUpdate == nil {
		return
	}
	u.RideID = w.rideID
	u.Degraded = w.degraded
	w.cb.OnUpdate(u)
}
