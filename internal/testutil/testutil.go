// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/storage"
)

// Receive reads one value from ch or fails the test after timeout.
func Receive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
	var zero T
	return zero
}

// NoReceive fails the test if ch yields a value within wait.
func NoReceive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, wait time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(wait):
	}
}

// FlakyStore wraps a Store and fails the ride and timer calls with
// models.StoreUnavailableError while Down is set.
type FlakyStore struct {
	storage.Store
	down  atomic.Bool
	calls atomic.Int64
}

func NewFlakyStore(s storage.Store) *FlakyStore { return &FlakyStore{Store: s} }

func (f *FlakyStore) SetDown(down bool) { f.down.Store(down) }

// Calls counts every call made through the wrapper, failed or not.
func (f *FlakyStore) Calls() int64 { return f.calls.Load() }

func (f *FlakyStore) fail(op string) error {
	f.calls.Add(1)
	if f.down.Load() {
		return models.StoreUnavailableError{Op: op}
	}
	return nil
}

func (f *FlakyStore) Ping(ctx context.Context) error {
	if err := f.fail("ping"); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}

func (f *FlakyStore) GetRide(ctx context.Context, id string) (models.RideRequest, error) {
	if err := f.fail("get ride"); err != nil {
		return models.RideRequest{}, err
	}
	return f.Store.GetRide(ctx, id)
}

func (f *FlakyStore) EnsureTimer(ctx context.Context, id string, at time.Time, d time.Duration) (models.BidTimer, error) {
	if err := f.fail("ensure timer"); err != nil {
		return models.BidTimer{}, err
	}
	return f.Store.EnsureTimer(ctx, id, at, d)
}

func (f *FlakyStore) GetTimer(ctx context.Context, id string) (models.BidTimer, error) {
	if err := f.fail("get timer"); err != nil {
		return models.BidTimer{}, err
	}
	return f.Store.GetTimer(ctx, id)
}

func (f *FlakyStore) UpsertBid(ctx context.Context, rideID, driverID string, amount float64, now time.Time) (models.Bid, error) {
	if err := f.fail("upsert bid"); err != nil {
		return models.Bid{}, err
	}
	return f.Store.UpsertBid(ctx, rideID, driverID, amount, now)
}

func (f *FlakyStore) AcceptRide(ctx context.Context, p storage.AcceptParams) (models.RideRequest, error) {
	if err := f.fail("accept ride"); err != nil {
		return models.RideRequest{}, err
	}
	return f.Store.AcceptRide(ctx, p)
}

func (f *FlakyStore) ExpireRide(ctx context.Context, id string, now time.Time, reason string) (models.RideRequest, error) {
	if err := f.fail("expire ride"); err != nil {
		return models.RideRequest{}, err
	}
	return f.Store.ExpireRide(ctx, id, now, reason)
}

func (f *FlakyStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := f.fail("expired pending"); err != nil {
		return nil, err
	}
	return f.Store.ExpiredPending(ctx, now, limit)
}

func (f *FlakyStore) StartRide(ctx context.Context, id, driverID string, now time.Time) (models.RideRequest, error) {
	if err := f.fail("start ride"); err != nil {
		return models.RideRequest{}, err
	}
	return f.Store.StartRide(ctx, id, driverID, now)
}

func (f *FlakyStore) CompleteRide(ctx context.Context, p storage.CompleteParams) (models.HistoryEntry, error) {
	if err := f.fail("complete ride"); err != nil {
		return models.HistoryEntry{}, err
	}
	return f.Store.CompleteRide(ctx, p)
}

func (f *FlakyStore) CancelRide(ctx context.Context, id, driverID, reason string, now time.Time) (models.RideRequest, error) {
	if err := f.fail("cancel ride"); err != nil {
		return models.RideRequest{}, err
	}
	return f.Store.CancelRide(ctx, id, driverID, reason, now)
}

func (f *FlakyStore) ListBids(ctx context.Context, id string) ([]models.Bid, error) {
	if err := f.fail("list bids"); err != nil {
		return nil, err
	}
	return f.Store.ListBids(ctx, id)
}
