package otpgate

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/connectivity"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

type Store interface {
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
	StartRide(ctx context.Context, rideID, driverID string, now time.Time) (models.RideRequest, error)
}

type Verifier struct {
	store  Store
	clock  clock.Clock
	events changefeed.Publisher
	writes connectivity.WriteRecorder
	logger *slog.Logger
}

func NewVerifier(store Store, clk clock.Clock, events changefeed.Publisher, writes connectivity.WriteRecorder, logger *slog.Logger) *Verifier {
	if writes == nil {
		writes = connectivity.Nop()
	}
	if events == nil {
		events = changefeed.Fanout(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: store, clock: clk, events: events, writes: writes, logger: logger}
}

// VerifyAndStart starts the ride when entered matches its OTP. Calling it
// again with the same code after success returns the started ride without a
// second transition.
func (v *Verifier) VerifyAndStart(ctx context.Context, rideID, driverID, entered string) (models.RideRequest, error) {
	code := NormalizeCode(entered)
	if code == "" {
		return models.RideRequest{}, models.ValidationError{Field: "otp", Msg: "is required"}
	}
	if !numeric(code) {
		return models.RideRequest{}, models.ValidationError{Field: "otp", Msg: "must contain digits only"}
	}
	r, err := v.store.GetRide(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	return v.start(ctx, r, driverID, code)
}

// AutoStart starts the ride for the accepting driver using the stored code.
// It goes through the same checks as VerifyAndStart.
func (v *Verifier) AutoStart(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	r, err := v.store.GetRide(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if r.SelectedDriverID != driverID {
		return models.RideRequest{}, models.AuthorizationError{DriverID: driverID, RideID: rideID}
	}
	return v.VerifyAndStart(ctx, rideID, driverID, r.OTP)
}

func (v *Verifier) start(ctx context.Context, r models.RideRequest, driverID, code string) (models.RideRequest, error) {
	if r.SelectedDriverID == "" {
		return models.RideRequest{}, models.ConflictError{Msg: "ride is not confirmed"}
	}
	if r.SelectedDriverID != driverID {
		return models.RideRequest{}, models.AuthorizationError{DriverID: driverID, RideID: r.ID}
	}
	match := subtle.ConstantTimeCompare([]byte(NormalizeCode(r.OTP)), []byte(code)) == 1

	switch r.Status {
	case models.RideConfirmed:
	case models.RideInProgress:
		if match {
			observability.OTPAttemptsTotal.WithLabelValues("replay").Inc()
			return r, nil
		}
		observability.OTPAttemptsTotal.WithLabelValues("mismatch").Inc()
		return models.RideRequest{}, models.InvalidOTPError{RideID: r.ID}
	default:
		return models.RideRequest{}, models.ConflictError{Msg: "ride is " + string(r.Status)}
	}
	if !match {
		observability.OTPAttemptsTotal.WithLabelValues("mismatch").Inc()
		return models.RideRequest{}, models.InvalidOTPError{RideID: r.ID}
	}

	started, err := v.store.StartRide(ctx, r.ID, driverID, v.clock.Now())
	switch {
	case models.IsConflict(err):
		// A concurrent retry may have won the transition.
		cur, gerr := v.store.GetRide(ctx, r.ID)
		if gerr == nil && cur.Status == models.RideInProgress && cur.SelectedDriverID == driverID {
			observability.OTPAttemptsTotal.WithLabelValues("replay").Inc()
			return cur, nil
		}
		return models.RideRequest{}, err
	case err != nil:
		v.writes.RecordFailedWrite(ctx, models.OpStartRide, r.ID, driverID, err)
		return models.RideRequest{}, err
	}

	observability.OTPAttemptsTotal.WithLabelValues("match").Inc()
	observability.RideTransitionsTotal.WithLabelValues(string(started.Status)).Inc()
	if err := v.events.Publish(ctx, changefeed.EventFor(started, models.EventRideStarted)); err != nil {
		v.logger.Warn("publish ride started failed", "ride_id", started.ID, "error", err)
	}
	v.logger.Info("ride started", "ride_id", started.ID, "driver_id", driverID)
	return started, nil
}
