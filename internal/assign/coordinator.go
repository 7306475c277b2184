// Package assign arbitrates bids and acceptance for pending rides. The
// race between drivers is settled by the store's conditional update; this
// package validates input, generates the ride OTP and fans out the outcome.
package assign

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/connectivity"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/otpgate"
	"github.com/example/ride-bidding/internal/storage"
)

const DefaultBidWindow = 5 * time.Minute

const sweepBatch = 100

type Store interface {
	CreateRide(ctx context.Context, ride models.RideRequest, timer models.BidTimer) error
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
	UpsertBid(ctx context.Context, rideID, driverID string, amount float64, now time.Time) (models.Bid, error)
	ListBids(ctx context.Context, rideID string) ([]models.Bid, error)
	AcceptRide(ctx context.Context, p storage.AcceptParams) (models.RideRequest, error)
	ExpireRide(ctx context.Context, rideID string, now time.Time, reason string) (models.RideRequest, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// TimerStopper is signalled when a ride leaves pending.
type TimerStopper interface {
	Stop(rideID string)
}

type Options struct {
	Store     Store
	Clock     clock.Clock
	Events    changefeed.Publisher
	Writes    connectivity.WriteRecorder
	Timers    TimerStopper
	Logger    *slog.Logger
	BidWindow time.Duration
	OTPLength int
}

type Coordinator struct {
	store     Store
	clock     clock.Clock
	events    changefeed.Publisher
	writes    connectivity.WriteRecorder
	timers    TimerStopper
	logger    *slog.Logger
	bidWindow time.Duration
	otpLength int
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:     opts.Store,
		clock:     opts.Clock,
		events:    opts.Events,
		writes:    opts.Writes,
		timers:    opts.Timers,
		logger:    opts.Logger,
		bidWindow: opts.BidWindow,
		otpLength: opts.OTPLength,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.events == nil {
		c.events = changefeed.Fanout(nil)
	}
	if c.writes == nil {
		c.writes = connectivity.Nop()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.bidWindow <= 0 {
		c.bidWindow = DefaultBidWindow
	}
	if c.otpLength <= 0 {
		c.otpLength = otpgate.DefaultLength
	}
	return c
}

// BidWindow is the window used when OpenRide is given none.
func (c *Coordinator) BidWindow() time.Duration { return c.bidWindow }

func validMoney(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return models.ValidationError{Field: field, Msg: "must be a positive amount"}
	}
	return nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return models.ValidationError{Field: field, Msg: "is required"}
	}
	return nil
}

// OpenRide stores ride as pending together with its bid timer.
func (c *Coordinator) OpenRide(ctx context.Context, ride models.RideRequest, window time.Duration) (models.RideRequest, models.BidTimer, error) {
	if err := requireID("customer_ref", ride.CustomerRef); err != nil {
		return models.RideRequest{}, models.BidTimer{}, err
	}
	if ride.EstimatedFare < 0 || math.IsNaN(ride.EstimatedFare) {
		return models.RideRequest{}, models.BidTimer{}, models.ValidationError{Field: "estimated_fare", Msg: "must not be negative"}
	}
	if window <= 0 {
		window = c.bidWindow
	}
	if ride.ID == "" {
		ride.ID = uuid.NewString()
	}
	now := c.clock.Now()
	ride.Status = models.RidePending
	ride.SelectedDriverID = ""
	ride.OTP = ""
	ride.FinalFare = 0
	ride.CreatedAt = now
	ride.AcceptedAt, ride.StartedAt, ride.CompletedAt, ride.CancelledAt = nil, nil, nil, nil
	ride.CancelReason, ride.CancelledBy = "", ""

	bt := models.NewBidTimer(ride.ID, now, window)
	if err := c.store.CreateRide(ctx, ride, bt); err != nil {
		return models.RideRequest{}, models.BidTimer{}, err
	}
	observability.RidesOpenedTotal.Inc()
	c.publish(ctx, changefeed.EventFor(ride, models.EventRideOpened), now)
	c.logger.Info("ride opened", "ride_id", ride.ID, "expires_at", bt.ExpiresAt)
	return ride, bt, nil
}

// SubmitBid creates or re-prices driverID's bid on a pending ride.
func (c *Coordinator) SubmitBid(ctx context.Context, rideID, driverID string, amount float64) (models.Bid, error) {
	if err := requireID("driver_id", driverID); err != nil {
		return models.Bid{}, err
	}
	if err := validMoney("amount", amount); err != nil {
		return models.Bid{}, err
	}
	now := c.clock.Now()
	b, err := c.store.UpsertBid(ctx, rideID, driverID, amount, now)
	if err != nil {
		c.writes.RecordFailedWrite(ctx, models.OpSubmitBid, rideID, driverID, err)
		return models.Bid{}, err
	}
	observability.BidsTotal.Inc()
	ev := models.RideEvent{Type: models.EventBidSubmitted, RideID: rideID, DriverID: driverID, Status: models.RidePending, Amount: amount}
	c.publish(ctx, ev, now)
	return b, nil
}

// AcceptRide assigns the ride to driverID at fare. Exactly one concurrent
// caller succeeds; the rest get a models.ConflictError and leave no trace.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID, driverID string, fare float64) (models.RideRequest, error) {
	if err := requireID("driver_id", driverID); err != nil {
		return models.RideRequest{}, err
	}
	if err := validMoney("fare", fare); err != nil {
		return models.RideRequest{}, err
	}
	otp, err := otpgate.Generate(c.otpLength)
	if err != nil {
		return models.RideRequest{}, err
	}

	start := time.Now()
	now := c.clock.Now()
	r, err := c.store.AcceptRide(ctx, storage.AcceptParams{
		RideID:   rideID,
		DriverID: driverID,
		Fare:     fare,
		OTP:      otp,
		BidID:    uuid.NewString(),
		Now:      now,
	})
	observability.AcceptLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case models.IsConflict(err):
			observability.AcceptsTotal.WithLabelValues("conflict").Inc()
			c.logger.Info("accept refused", "ride_id", rideID, "driver_id", driverID, "reason", err.Error())
		case models.IsStoreUnavailable(err):
			observability.AcceptsTotal.WithLabelValues("unavailable").Inc()
			c.writes.RecordFailedWrite(ctx, models.OpAcceptRide, rideID, driverID, err)
		default:
			observability.AcceptsTotal.WithLabelValues("error").Inc()
		}
		return models.RideRequest{}, err
	}

	observability.AcceptsTotal.WithLabelValues("won").Inc()
	observability.RideTransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	if c.timers != nil {
		c.timers.Stop(rideID)
	}
	ev := changefeed.EventFor(r, models.EventRideConfirmed)
	ev.Amount = fare
	c.publish(ctx, ev, now)
	c.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "fare", fare)
	return r, nil
}

// ExpireRide cancels a ride whose bidding window elapsed with no
// acceptance. It fails with a models.ConflictError if the ride already left
// pending or the window is still open.
func (c *Coordinator) ExpireRide(ctx context.Context, rideID string) (models.RideRequest, error) {
	now := c.clock.Now()
	r, err := c.store.ExpireRide(ctx, rideID, now, models.MsgWindowExpired)
	if err != nil {
		return models.RideRequest{}, err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	if c.timers != nil {
		c.timers.Stop(rideID)
	}
	c.publish(ctx, changefeed.EventFor(r, models.EventRideExpired), now)
	c.logger.Info("ride expired without acceptance", "ride_id", rideID)
	return r, nil
}

// SweepExpired expires every pending ride whose window has closed. It
// catches rides no process was watching when their deadline passed.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	ids, err := c.store.ExpiredPending(ctx, c.clock.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := c.ExpireRide(ctx, id)
		switch {
		case err == nil:
			n++
		case models.IsConflict(err), models.IsNotFound(err):
		default:
			return n, err
		}
	}
	if n > 0 {
		c.logger.Info("swept expired rides", "count", n)
	}
	return n, nil
}

func (c *Coordinator) Ride(ctx context.Context, rideID string) (models.RideRequest, error) {
	return c.store.GetRide(ctx, rideID)
}

func (c *Coordinator) Bids(ctx context.Context, rideID string) ([]models.Bid, error) {
	if _, err := c.store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	return c.store.ListBids(ctx, rideID)
}

func (c *Coordinator) publish(ctx context.Context, ev models.RideEvent, at time.Time) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = at
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish ride event failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}
