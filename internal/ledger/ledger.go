// Package ledger decides whether a driver still has to be told about a
// ride assignment, so each confirmation is surfaced at most once.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

const DefaultCapacity = 500

type RideReader interface {
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
}

// Observer is told the outcome of every store read.
type Observer interface {
	Observe(ctx context.Context, err error)
}

type Ledger struct {
	store    RideReader
	markers  localstate.Markers
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger
	capacity int
}

func New(store RideReader, markers localstate.Markers, clk clock.Clock, observer Observer, logger *slog.Logger, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, markers: markers, clock: clk, observer: observer, logger: logger, capacity: capacity}
}

func (l *Ledger) observe(ctx context.Context, err error) {
	if l.observer != nil {
		l.observer.Observe(ctx, err)
	}
}

// ShouldShow reports whether rideID is newly relevant to driverID: confirmed
// for that driver, not yet their tracked active ride and never shown. When
// the store cannot be reached it answers false.
func (l *Ledger) ShouldShow(ctx context.Context, rideID, driverID string) (bool, error) {
	seen, err := l.markers.HasMarker(ctx, rideID, driverID)
	if err != nil {
		return false, fmt.Errorf("read notification marker: %w", err)
	}
	if seen {
		observability.NotificationsTotal.WithLabelValues("seen").Inc()
		return false, nil
	}
	active, err := l.markers.ActiveRide(ctx, driverID)
	if err != nil {
		return false, fmt.Errorf("read active ride: %w", err)
	}
	if active == rideID {
		observability.NotificationsTotal.WithLabelValues("active").Inc()
		return false, nil
	}

	r, err := l.store.GetRide(ctx, rideID)
	l.observe(ctx, err)
	if models.IsStoreUnavailable(err) {
		observability.NotificationsTotal.WithLabelValues("degraded").Inc()
		l.logger.Debug("store unreachable, suppressing notification", "ride_id", rideID, "driver_id", driverID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.Status != models.RideConfirmed || r.SelectedDriverID != driverID {
		observability.NotificationsTotal.WithLabelValues("irrelevant").Inc()
		return false, nil
	}
	observability.NotificationsTotal.WithLabelValues("show").Inc()
	return true, nil
}

// RecordShown persists the marker for (rideID, driverID) and tracks the
// ride as the driver's active one. Call it before the notification is
// presented.
func (l *Ledger) RecordShown(ctx context.Context, rideID, driverID string) error {
	if rideID == "" || driverID == "" {
		return models.ValidationError{Field: "ride_id", Msg: "ride and driver are required"}
	}
	m := models.NotificationMarker{RideID: rideID, DriverID: driverID, ShownAt: l.clock.Now()}
	if err := l.markers.AddMarker(ctx, m, l.capacity); err != nil {
		return fmt.Errorf("record notification marker: %w", err)
	}
	if err := l.markers.SetActiveRide(ctx, driverID, rideID); err != nil {
		return fmt.Errorf("track active ride: %w", err)
	}
	return nil
}

func (l *Ledger) TrackActive(ctx context.Context, driverID, rideID string) error {
	return l.markers.SetActiveRide(ctx, driverID, rideID)
}

func (l *Ledger) ActiveRide(ctx context.Context, driverID string) (string, error) {
	return l.markers.ActiveRide(ctx, driverID)
}

func (l *Ledger) ClearActive(ctx context.Context, driverID string) error {
	return l.markers.ClearActiveRide(ctx, driverID)
}

// Forget drops every marker for rideID. Only call it once the ride is
// terminal.
func (l *Ledger) Forget(ctx context.Context, rideID string) (int, error) {
	return l.markers.RemoveMarkers(ctx, rideID)
}

// PruneTerminal removes markers for rides that reached a terminal state.
// Rides the store cannot answer for are kept.
func (l *Ledger) PruneTerminal(ctx context.Context) (int, error) {
	all, err := l.markers.Markers(ctx)
	if err != nil {
		return 0, err
	}
	checked := make(map[string]bool)
	removed := 0
	for _, m := range all {
		if _, done := checked[m.RideID]; done {
			continue
		}
		r, err := l.store.GetRide(ctx, m.RideID)
		l.observe(ctx, err)
		if models.IsStoreUnavailable(err) {
			return removed, err
		}
		terminal := err == nil && r.Status.Terminal()
		checked[m.RideID] = terminal
		if !terminal {
			continue
		}
		n, err := l.markers.RemoveMarkers(ctx, m.RideID)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}
