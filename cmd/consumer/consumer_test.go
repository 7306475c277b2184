package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakePruner implements RidePruner for tests
type fakePruner struct {
	failMarkers int // number of times to fail RemoveMarkers before succeeding
	failTimer   int // number of times to fail DeleteTimer before succeeding
	markerCalls int
	timerCalls  int
	rides       []string
}

func (f *fakePruner) RemoveMarkers(ctx context.Context, rideID string) (int, error) {
	f.markerCalls++
	if f.markerCalls <= f.failMarkers {
		return 0, errors.New("zrem fail")
	}
	f.rides = append(f.rides, rideID)
	return 2, nil
}

func (f *fakePruner) DeleteTimer(ctx context.Context, rideID string) error {
	f.timerCalls++
	if f.timerCalls <= f.failTimer {
		return errors.New("del fail")
	}
	return nil
}

func TestPruneWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakePruner{failMarkers: 1, failTimer: 1}
	start := time.Now()
	n, err := pruneWithRetry(context.Background(), f, "R1", 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if n != 2 || f.markerCalls != 2 || f.timerCalls != 2 {
		t.Fatalf("expected retries, got removed=%d markers=%d timer=%d", n, f.markerCalls, f.timerCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestPruneWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakePruner{failMarkers: 5}
	if _, err := pruneWithRetry(context.Background(), f, "R1", 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.markerCalls != 3 || f.timerCalls != 0 {
		t.Fatalf("markers=%d timer=%d", f.markerCalls, f.timerCalls)
	}
}

func TestPruneWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakePruner{failMarkers: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pruneWithRetry(ctx, f, "R1", 3, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestConsumerHandle(t *testing.T) {
	f := &fakePruner{}
	c := &consumer{pruner: f, attempts: 2, delay: time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	cases := []struct {
		value string
		want  string
	}{
		{`{"type":"ride.confirmed","ride_id":"R1","status":"confirmed"}`, "skipped"},
		{`{"type":"ride.completed","ride_id":"R1","status":"completed"}`, "pruned"},
		{`{"type":"ride.expired","ride_id":"R2","status":"canceled"}`, "pruned"},
		{`{"type":"ride.completed","status":"completed"}`, "invalid"},
		{`garbage`, "invalid"},
	}
	for _, tc := range cases {
		if got := c.handle(ctx, []byte(tc.value)); got != tc.want {
			t.Fatalf("handle(%s) = %s, want %s", tc.value, got, tc.want)
		}
	}
	if len(f.rides) != 2 || f.rides[0] != "R1" || f.rides[1] != "R2" {
		t.Fatalf("pruned rides = %v", f.rides)
	}
}
