// Package localstate persists the client-side state that must survive a
// restart: notification markers, the last known bid timer of each ride,
// pending-write markers and the driver's tracked active ride. Everything is
// keyed by ride id.
package localstate

import (
	"context"

	"github.com/example/ride-bidding/internal/models"
)

type Markers interface {
	// AddMarker records m and trims the set to the newest capacity entries.
	AddMarker(ctx context.Context, m models.NotificationMarker, capacity int) error
	HasMarker(ctx context.Context, rideID, driverID string) (bool, error)
	Markers(ctx context.Context) ([]models.NotificationMarker, error)
	RemoveMarkers(ctx context.Context, rideID string) (int, error)

	SetActiveRide(ctx context.Context, driverID, rideID string) error
	ActiveRide(ctx context.Context, driverID string) (string, error)
	ClearActiveRide(ctx context.Context, driverID string) error
}

type TimerSnapshots interface {
	SaveTimer(ctx context.Context, t models.BidTimer) error
	LoadTimer(ctx context.Context, rideID string) (models.BidTimer, bool, error)
	DeleteTimer(ctx context.Context, rideID string) error
}

type PendingWrites interface {
	AddPendingWrite(ctx context.Context, w models.PendingWrite) error
	PendingWrites(ctx context.Context) ([]models.PendingWrite, error)
	RemovePendingWrite(ctx context.Context, rideID string, op models.WriteOp) error
}

// State is implemented by Memory and Redis.
type State interface {
	Markers
	TimerSnapshots
	PendingWrites
	Close() error
}
