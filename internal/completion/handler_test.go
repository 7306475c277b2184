package completion

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/assign"
	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/otpgate"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func inProgress(t *testing.T, s *storage.MemoryStore, id, driver string, fare float64) {
	t.Helper()
	ctx := context.Background()
	r := models.RideRequest{ID: id, CustomerRef: "c1", Pickup: models.Place{Address: "Station Rd"}, Drop: models.Place{Address: "Airport"}, Status: models.RidePending, CreatedAt: t0}
	if err := s.CreateRide(ctx, r, models.NewBidTimer(id, t0, time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AcceptRide(ctx, storage.AcceptParams{RideID: id, DriverID: driver, Fare: fare, OTP: "1234", Now: t0}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.StartRide(ctx, id, driver, t0.Add(time.Minute)); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEarnings(t *testing.T) {
	cases := []struct {
		fare, commission, want float64
	}{
		{28, 0.15, 23.8},
		{10.01, 0.15, 8.51},
		{100, 0, 100},
	}
	for _, c := range cases {
		if got := Earnings(c.fare, c.commission); got != c.want {
			t.Fatalf("Earnings(%v, %v) = %v, want %v", c.fare, c.commission, got, c.want)
		}
	}
}

func TestCommissionOption(t *testing.T) {
	zero, half, bogus := 0.0, 0.5, 1.5
	cases := []struct {
		name       string
		commission *float64
		want       float64
	}{
		{"unset uses default", nil, 23.8},
		{"zero keeps full fare", &zero, 28},
		{"explicit", &half, 14},
		{"out of range uses default", &bogus, 23.8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStore()
			inProgress(t, s, "R1", "B", 28)
			h := New(Options{Store: s, Clock: clock.Fake(t0.Add(time.Hour)), Commission: tc.commission})
			entry, err := h.CompleteRide(context.Background(), "R1", "B")
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if entry.Earnings != tc.want {
				t.Fatalf("earnings = %v, want %v", entry.Earnings, tc.want)
			}
		})
	}
}

func TestCompleteRideIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	inProgress(t, s, "R1", "B", 28)
	clk := clock.Fake(t0.Add(15 * time.Minute))
	h := New(Options{Store: s, Clock: clk})

	first, err := h.CompleteRide(ctx, "R1", "B")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	clk.Advance(time.Hour)
	second, err := h.CompleteRide(ctx, "R1", "B")
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if first != second || first.Earnings != 23.8 {
		t.Fatalf("repeat must return the original entry: %+v vs %+v", first, second)
	}
	st, _ := h.Stats(ctx, "B")
	if st.TotalRides != 1 || st.TotalEarnings != 23.8 {
		t.Fatalf("earnings credited more than once: %+v", st)
	}
	hist, _ := h.History(ctx, "B", 0)
	if len(hist) != 1 || hist[0].PickupAddr != "Station Rd" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestCompleteRideGuards(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	inProgress(t, s, "R1", "B", 28)
	h := New(Options{Store: s, Clock: clock.Fake(t0)})

	if _, err := h.CompleteRide(ctx, "R1", "A"); !models.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := h.CompleteRide(ctx, "missing", "B"); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	r := models.RideRequest{ID: "R2", CustomerRef: "c", Status: models.RidePending, CreatedAt: t0}
	_ = s.CreateRide(ctx, r, models.NewBidTimer("R2", t0, time.Minute))
	_, _ = s.AcceptRide(ctx, storage.AcceptParams{RideID: "R2", DriverID: "C", Fare: 10, Now: t0})
	if _, err := h.CompleteRide(ctx, "R2", "C"); !models.IsConflict(err) {
		t.Fatalf("completing a confirmed ride should conflict, got %v", err)
	}
}

func TestCancelRide(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	inProgress(t, s, "R1", "B", 28)
	local := localstate.NewMemory()
	_ = local.SetActiveRide(ctx, "B", "R1")
	led := ledger.New(s, local, clock.Fake(t0), nil, nil, 0)
	broker := changefeed.NewBroker()
	sub, _ := broker.Subscribe(ctx, "R1")
	defer sub.Close()
	h := New(Options{Store: s, Clock: clock.Fake(t0.Add(5 * time.Minute)), Events: broker, Active: led})

	if _, err := h.CancelRide(ctx, "R1", "B", "  "); !models.IsValidation(err) {
		t.Fatalf("empty reason should fail validation, got %v", err)
	}
	if _, err := h.CancelRide(ctx, "R1", "A", "flat tyre"); !models.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	r, err := h.CancelRide(ctx, "R1", "B", "flat tyre")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != models.RideCancelled || r.CancelReason != "flat tyre" || r.CancelledBy != "B" {
		t.Fatalf("ride = %+v", r)
	}
	again, err := h.CancelRide(ctx, "R1", "B", "flat tyre")
	if err != nil || !again.CancelledAt.Equal(*r.CancelledAt) {
		t.Fatalf("repeat cancel should return the original result: %+v %v", again, err)
	}
	ev := testutil.Receive(t, sub.Events(), time.Second, "cancel event")
	if ev.Type != models.EventRideCancelled || ev.DriverID != "B" {
		t.Fatalf("event = %+v", ev)
	}
	testutil.NoReceive(t, sub.Events(), 20*time.Millisecond, "second cancel event")
	if active, _ := local.ActiveRide(ctx, "B"); active != "" {
		t.Fatalf("active ride should be cleared, got %q", active)
	}
	st, _ := h.Stats(ctx, "B")
	if st.TotalRides != 0 || st.TotalEarnings != 0 {
		t.Fatalf("cancellation must not credit earnings: %+v", st)
	}
	if _, err := h.CompleteRide(ctx, "R1", "B"); err == nil {
		t.Fatalf("cancelled ride cannot be completed")
	}
}

type recorder struct{ ops []models.WriteOp }

func (r *recorder) RecordFailedWrite(ctx context.Context, op models.WriteOp, rideID, driverID string, err error) {
	r.ops = append(r.ops, op)
}

type completeFailStore struct{ *storage.MemoryStore }

func (completeFailStore) CompleteRide(ctx context.Context, p storage.CompleteParams) (models.HistoryEntry, error) {
	return models.HistoryEntry{}, models.StoreUnavailableError{Op: "complete ride"}
}

func TestCompleteStoreUnavailableIsSurfaced(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	inProgress(t, s, "R1", "B", 28)
	rec := &recorder{}
	h := New(Options{Store: completeFailStore{s}, Clock: clock.Fake(t0), Writes: rec})

	if _, err := h.CompleteRide(ctx, "R1", "B"); !models.IsStoreUnavailable(err) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if len(rec.ops) != 1 || rec.ops[0] != models.OpCompleteRide {
		t.Fatalf("expected a pending complete marker, got %v", rec.ops)
	}
	if r, _ := s.GetRide(ctx, "R1"); r.Status != models.RideInProgress {
		t.Fatalf("ride must stay in progress, got %s", r.Status)
	}
}

// R1 is opened with a 300s window; A bids, B accepts at 10s, C loses at
// 11s, B starts at 40s with the OTP and completes at 900s.
func TestRideLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	clk := clock.Fake(t0)
	local := localstate.NewMemory()
	coord := assign.New(assign.Options{Store: s, Clock: clk, BidWindow: 300 * time.Second})
	led := ledger.New(s, local, clk, nil, nil, 0)
	gate := otpgate.NewVerifier(s, clk, nil, nil, nil)
	h := New(Options{Store: s, Clock: clk, Active: led})

	if _, _, err := coord.OpenRide(ctx, models.RideRequest{ID: "R1", CustomerRef: "cust-1", EstimatedFare: 30}, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(5 * time.Second)
	if _, err := coord.SubmitBid(ctx, "R1", "A", 30); err != nil {
		t.Fatalf("bid A: %v", err)
	}
	clk.Advance(5 * time.Second)
	won, err := coord.AcceptRide(ctx, "R1", "B", 28)
	if err != nil {
		t.Fatalf("accept B: %v", err)
	}
	if won.Status != models.RideConfirmed || won.SelectedDriverID != "B" {
		t.Fatalf("after accept: %+v", won)
	}
	bids, _ := coord.Bids(ctx, "R1")
	for _, b := range bids {
		if b.DriverID == "A" && b.Status != models.BidCancelled {
			t.Fatalf("bid A should be cancelled, got %s", b.Status)
		}
	}
	clk.Advance(time.Second)
	if _, err := coord.AcceptRide(ctx, "R1", "C", 25); !models.IsConflict(err) {
		t.Fatalf("accept C should conflict, got %v", err)
	}

	if ok, _ := led.ShouldShow(ctx, "R1", "B"); !ok {
		t.Fatalf("winner should be notified")
	}
	if err := led.RecordShown(ctx, "R1", "B"); err != nil {
		t.Fatalf("record shown: %v", err)
	}
	if ok, _ := led.ShouldShow(ctx, "R1", "B"); ok {
		t.Fatalf("winner notified twice")
	}

	clk.Advance(29 * time.Second)
	started, err := gate.VerifyAndStart(ctx, "R1", "B", won.OTP)
	if err != nil || started.Status != models.RideInProgress {
		t.Fatalf("start: %+v %v", started, err)
	}

	clk.Advance(860 * time.Second)
	entry, err := h.CompleteRide(ctx, "R1", "B")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if entry.FinalFare != 28 || entry.Earnings != Earnings(28, DefaultCommission) || !entry.CompletedAt.Equal(t0.Add(900*time.Second)) {
		t.Fatalf("history entry = %+v", entry)
	}
	r, _ := s.GetRide(ctx, "R1")
	if r.Status != models.RideCompleted {
		t.Fatalf("final status = %s", r.Status)
	}
	if active, _ := led.ActiveRide(ctx, "B"); active != "" {
		t.Fatalf("active ride should be released, got %q", active)
	}
}
