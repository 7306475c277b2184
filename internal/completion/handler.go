// Package completion finalizes assigned rides: completion with earnings and
// history, or cancellation with a reason.
package completion

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/connectivity"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/storage"
)

const (
	DefaultCommission = 0.15
	defaultHistory    = 50
)

type Store interface {
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
	CompleteRide(ctx context.Context, p storage.CompleteParams) (models.HistoryEntry, error)
	CancelRide(ctx context.Context, rideID, driverID, reason string, now time.Time) (models.RideRequest, error)
	HistoryEntry(ctx context.Context, rideID string) (models.HistoryEntry, error)
	DriverHistory(ctx context.Context, driverID string, limit int) ([]models.HistoryEntry, error)
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
}

// ActiveTracker forgets a driver's active ride once it ends.
type ActiveTracker interface {
	ClearActive(ctx context.Context, driverID string) error
}

type Options struct {
	Store      Store
	Clock      clock.Clock
	Events     changefeed.Publisher
	Writes     connectivity.WriteRecorder
	Active     ActiveTracker
	Logger     *slog.Logger
	// Commission is the platform share of each fare. Nil selects
	// DefaultCommission; zero is a valid setting.
	Commission *float64
}

type Handler struct {
	store      Store
	clock      clock.Clock
	events     changefeed.Publisher
	writes     connectivity.WriteRecorder
	active     ActiveTracker
	logger     *slog.Logger
	commission float64
}

func New(opts Options) *Handler {
	h := &Handler{
		store:      opts.Store,
		clock:      opts.Clock,
		events:     opts.Events,
		writes:     opts.Writes,
		active:     opts.Active,
		logger:     opts.Logger,
		commission: DefaultCommission,
	}
	if c := opts.Commission; c != nil && *c >= 0 && *c < 1 {
		h.commission = *c
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.events == nil {
		h.events = changefeed.Fanout(nil)
	}
	if h.writes == nil {
		h.writes = connectivity.Nop()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Earnings is the driver's share of fare after the platform commission,
// rounded to cents.
func Earnings(fare, commission float64) float64 {
	return math.Round(fare*(1-commission)*100) / 100
}

// CompleteRide finishes an in-progress ride for its driver. Calling it again
// after success returns the stored history entry; earnings are credited once.
func (h *Handler) CompleteRide(ctx context.Context, rideID, driverID string) (models.HistoryEntry, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.HistoryEntry{}, models.ValidationError{Field: "driver_id", Msg: "is required"}
	}
	r, err := h.store.GetRide(ctx, rideID)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	if r.SelectedDriverID != driverID {
		return models.HistoryEntry{}, models.AuthorizationError{DriverID: driverID, RideID: rideID}
	}
	switch r.Status {
	case models.RideCompleted:
		return h.store.HistoryEntry(ctx, rideID)
	case models.RideInProgress:
	default:
		return models.HistoryEntry{}, models.ConflictError{Msg: "ride is " + string(r.Status)}
	}

	entry, err := h.store.CompleteRide(ctx, storage.CompleteParams{
		RideID:   rideID,
		DriverID: driverID,
		Now:      h.clock.Now(),
		Earnings: func(fare float64) float64 { return Earnings(fare, h.commission) },
	})
	switch {
	case models.IsConflict(err):
		// A concurrent retry may have completed it first.
		if prev, herr := h.store.HistoryEntry(ctx, rideID); herr == nil && prev.DriverID == driverID {
			return prev, nil
		}
		return models.HistoryEntry{}, err
	case err != nil:
		h.writes.RecordFailedWrite(ctx, models.OpCompleteRide, rideID, driverID, err)
		return models.HistoryEntry{}, err
	}

	observability.RideTransitionsTotal.WithLabelValues(string(models.RideCompleted)).Inc()
	h.release(ctx, driverID)
	ev := models.RideEvent{
		Type:       models.EventRideCompleted,
		RideID:     rideID,
		DriverID:   driverID,
		Status:     models.RideCompleted,
		Amount:     entry.Earnings,
		OccurredAt: entry.CompletedAt,
	}
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.Warn("publish ride completed failed", "ride_id", rideID, "error", err)
	}
	h.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "earnings", entry.Earnings)
	return entry, nil
}

// CancelRide cancels a confirmed or in-progress ride on behalf of its
// driver. A repeated call by the same driver returns the cancelled ride.
func (h *Handler) CancelRide(ctx context.Context, rideID, driverID, reason string) (models.RideRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.RideRequest{}, models.ValidationError{Field: "reason", Msg: "is required"}
	}
	if strings.TrimSpace(driverID) == "" {
		return models.RideRequest{}, models.ValidationError{Field: "driver_id", Msg: "is required"}
	}
	r, err := h.store.GetRide(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if r.Status == models.RideCancelled && r.CancelledBy == driverID {
		return r, nil
	}
	if r.SelectedDriverID != driverID {
		return models.RideRequest{}, models.AuthorizationError{DriverID: driverID, RideID: rideID}
	}
	if !r.Status.Active() {
		return models.RideRequest{}, models.ConflictError{Msg: "ride is " + string(r.Status)}
	}

	now := h.clock.Now()
	cancelled, err := h.store.CancelRide(ctx, rideID, driverID, reason, now)
	switch {
	case models.IsConflict(err):
		if cur, gerr := h.store.GetRide(ctx, rideID); gerr == nil && cur.Status == models.RideCancelled && cur.CancelledBy == driverID {
			return cur, nil
		}
		return models.RideRequest{}, err
	case err != nil:
		h.writes.RecordFailedWrite(ctx, models.OpCancelRide, rideID, driverID, err)
		return models.RideRequest{}, err
	}

	observability.RideTransitionsTotal.WithLabelValues(string(models.RideCancelled)).Inc()
	h.release(ctx, driverID)
	ev := changefeed.EventFor(cancelled, models.EventRideCancelled)
	ev.DriverID = driverID
	ev.OccurredAt = now
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.Warn("publish ride cancelled failed", "ride_id", rideID, "error", err)
	}
	h.logger.Info("ride cancelled", "ride_id", rideID, "driver_id", driverID, "reason", reason)
	return cancelled, nil
}

func (h *Handler) History(ctx context.Context, driverID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	return h.store.DriverHistory(ctx, driverID, limit)
}

func (h *Handler) Stats(ctx context.Context, driverID string) (models.DriverStats, error) {
	return h.store.DriverStats(ctx, driverID)
}

func (h *Handler) release(ctx context.Context, driverID string) {
	if h.active == nil {
		return
	}
	if err := h.active.ClearActive(ctx, driverID); err != nil {
		h.logger.Warn("clear active ride failed", "driver_id", driverID, "error", err)
	}
}
