// Package clock hides wall-clock access behind an interface so timer code
// can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the bid timers and the
// change-feed poller.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
	After(d time.Duration) <-chan time.Time
}

// Ticker mirrors time.Ticker. C has capacity 1; ticks are dropped when the
// reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
