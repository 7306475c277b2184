package changefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/models"
)

type RideReader interface {
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
}

// Poller emulates push delivery by reading the ride on a fixed interval and
// emitting an event whenever its status differs from the last one seen.
// Read failures are retried silently on the next tick.
type Poller struct {
	Store    RideReader
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

func NewPoller(store RideReader, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Poller {
	switch {
	case interval < time.Second:
		interval = time.Second
	case interval > 10*time.Second:
		interval = 10 * time.Second
	}
	return &Poller{Store: store, Clock: clk, Interval: interval, Logger: logger}
}

type pollSub struct {
	ch   chan models.RideEvent
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func (s *pollSub) Events() <-chan models.RideEvent { return s.ch }

func (s *pollSub) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (p *Poller) Subscribe(ctx context.Context, rideID string) (Subscription, error) {
	s := &pollSub{
		ch:   make(chan models.RideEvent, subscriptionBuffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	ticker := p.Clock.NewTicker(p.Interval)
	go func() {
		defer close(s.done)
		defer close(s.ch)
		defer ticker.Stop()
		var last models.RideStatus
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			r, err := p.Store.GetRide(ctx, rideID)
			if err != nil {
				if p.Logger != nil {
					p.Logger.Debug("poll ride failed", "ride_id", rideID, "error", err)
				}
				continue
			}
			if r.Status == last {
				continue
			}
			last = r.Status
			ev := EventFor(r, eventTypeFor(r.Status))
			ev.OccurredAt = p.Clock.Now()
			select {
			case s.ch <- ev:
			default:
			}
		}
	}()
	return s, nil
}
