package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *storage.MemoryStore, id, driver string) {
	t.Helper()
	ctx := context.Background()
	r := models.RideRequest{ID: id, CustomerRef: "c", Status: models.RidePending, CreatedAt: t0}
	if err := s.CreateRide(ctx, r, models.NewBidTimer(id, t0, time.Minute)); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if driver == "" {
		return
	}
	if _, err := s.AcceptRide(ctx, storage.AcceptParams{RideID: id, DriverID: driver, Fare: 20, OTP: "1234", Now: t0}); err != nil {
		t.Fatalf("accept %s: %v", id, err)
	}
}

func TestShouldShowAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "B")
	l := New(store, localstate.NewMemory(), clock.Fake(t0), nil, nil, 0)

	ok, err := l.ShouldShow(ctx, "R1", "B")
	if err != nil || !ok {
		t.Fatalf("first check should show, got %v %v", ok, err)
	}
	if ok, _ := l.ShouldShow(ctx, "R1", "A"); ok {
		t.Fatalf("a losing driver must not be notified")
	}
	if err := l.RecordShown(ctx, "R1", "B"); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := l.ShouldShow(ctx, "R1", "B"); ok {
			t.Fatalf("check %d after record should not show", i)
		}
	}
	if active, _ := l.ActiveRide(ctx, "B"); active != "R1" {
		t.Fatalf("shown ride should become the active one, got %q", active)
	}
}

func TestShouldShowFalseOncePastConfirmed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "B")
	seed(t, store, "R2", "")
	l := New(store, localstate.NewMemory(), clock.Fake(t0), nil, nil, 0)

	if ok, _ := l.ShouldShow(ctx, "R2", "B"); ok {
		t.Fatalf("pending ride is not newly relevant")
	}
	if _, err := store.StartRide(ctx, "R1", "B", t0.Add(time.Minute)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ok, _ := l.ShouldShow(ctx, "R1", "B"); ok {
		t.Fatalf("in-progress ride must not be shown")
	}
}

func TestShouldShowSkipsTrackedActiveRide(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "B")
	l := New(store, localstate.NewMemory(), clock.Fake(t0), nil, nil, 0)
	if err := l.TrackActive(ctx, "B", "R1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if ok, _ := l.ShouldShow(ctx, "R1", "B"); ok {
		t.Fatalf("tracked active ride is not newly relevant")
	}
	if err := l.ClearActive(ctx, "B"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ok, _ := l.ShouldShow(ctx, "R1", "B"); !ok {
		t.Fatalf("expected show once no longer tracked")
	}
}

func TestShouldShowDegradedAnswersFalse(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "B")
	flaky := testutil.NewFlakyStore(store)
	l := New(flaky, localstate.NewMemory(), clock.Fake(t0), nil, nil, 0)

	flaky.SetDown(true)
	ok, err := l.ShouldShow(ctx, "R1", "B")
	if err != nil || ok {
		t.Fatalf("degraded check should quietly answer false, got %v %v", ok, err)
	}
	flaky.SetDown(false)
	if ok, _ := l.ShouldShow(ctx, "R1", "B"); !ok {
		t.Fatalf("expected show after recovery")
	}
}

func TestMarkersSurviveAcrossLedgers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "B")
	local := localstate.NewMemory()

	if err := New(store, local, clock.Fake(t0), nil, nil, 0).RecordShown(ctx, "R1", "B"); err != nil {
		t.Fatalf("record: %v", err)
	}
	restarted := New(store, local, clock.Fake(t0), nil, nil, 0)
	if ok, _ := restarted.ShouldShow(ctx, "R1", "B"); ok {
		t.Fatalf("marker should survive a restart")
	}
}

func TestRetentionAndPrune(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "R1", "A")
	seed(t, store, "R2", "B")
	seed(t, store, "R3", "C")
	local := localstate.NewMemory()
	clk := clock.Fake(t0)
	l := New(store, local, clk, nil, nil, 2)

	for _, p := range [][2]string{{"R1", "A"}, {"R2", "B"}, {"R3", "C"}} {
		clk.Advance(time.Second)
		if err := l.RecordShown(ctx, p[0], p[1]); err != nil {
			t.Fatalf("record %v: %v", p, err)
		}
	}
	all, _ := local.Markers(ctx)
	if len(all) != 2 || all[0].RideID != "R2" {
		t.Fatalf("expected the two newest markers, got %+v", all)
	}

	if _, err := store.CancelRide(ctx, "R2", "B", "customer no-show", t0.Add(time.Hour)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	n, err := l.PruneTerminal(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune removed %d (%v), want 1", n, err)
	}
	if ok, _ := local.HasMarker(ctx, "R3", "C"); !ok {
		t.Fatalf("marker for a live ride must be kept")
	}
}
