package storage

import (
	"context"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// Store is the authoritative ride store consumed by the coordination core.
// Every mutating method is a single conditional write: it either applies
// completely or returns an error and changes nothing.
//
// Failed guards are reported as models.ConflictError, unknown rows as
// models.NotFoundError, and an unreachable backend as
// models.StoreUnavailableError.
type Store interface {
	Ping(ctx context.Context) error

	// CreateRide inserts a pending ride together with its bid timer.
	CreateRide(ctx context.Context, ride models.RideRequest, timer models.BidTimer) error
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)

	// EnsureTimer returns the ride's timer, creating one that starts at
	// startedAt when none exists. An existing timer is never moved.
	EnsureTimer(ctx context.Context, rideID string, startedAt time.Time, d time.Duration) (models.BidTimer, error)
	GetTimer(ctx context.Context, rideID string) (models.BidTimer, error)

	// UpsertBid inserts or re-prices the (ride, driver) bid while the ride
	// is pending and its window is open.
	UpsertBid(ctx context.Context, rideID, driverID string, amount float64, now time.Time) (models.Bid, error)
	ListBids(ctx context.Context, rideID string) ([]models.Bid, error)

	AcceptRide(ctx context.Context, p AcceptParams) (models.RideRequest, error)
	ExpireRide(ctx context.Context, rideID string, now time.Time, reason string) (models.RideRequest, error)
	// ExpiredPending lists pending rides whose window closed at or before
	// now, oldest deadline first.
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
	StartRide(ctx context.Context, rideID, driverID string, now time.Time) (models.RideRequest, error)
	CompleteRide(ctx context.Context, p CompleteParams) (models.HistoryEntry, error)
	CancelRide(ctx context.Context, rideID, driverID, reason string, now time.Time) (models.RideRequest, error)

	HistoryEntry(ctx context.Context, rideID string) (models.HistoryEntry, error)
	DriverHistory(ctx context.Context, driverID string, limit int) ([]models.HistoryEntry, error)
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
}

// AcceptParams drives the first-committer-wins acceptance. OTP is only
// written when the ride has none yet.
type AcceptParams struct {
	RideID   string
	DriverID string
	Fare     float64
	OTP      string
	BidID    string
	Now      time.Time
}

type CompleteParams struct {
	RideID   string
	DriverID string
	Now      time.Time
	// Earnings maps the ride's final fare to the driver's credit.
	Earnings func(finalFare float64) float64
}

func historyFor(r models.RideRequest, earnings float64, at time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		RideID:      r.ID,
		DriverID:    r.SelectedDriverID,
		CustomerRef: r.CustomerRef,
		PickupAddr:  r.Pickup.Address,
		DropAddr:    r.Drop.Address,
		DistanceKm:  r.DistanceKm,
		FinalFare:   r.FinalFare,
		Earnings:    earnings,
		CompletedAt: at,
	}
}
