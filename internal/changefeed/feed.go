// Package changefeed delivers row-level ride changes keyed by ride id.
// Consumers depend on Feed only, so a push transport and interval polling
// are interchangeable.
package changefeed

import (
	"context"
	"errors"

	"github.com/example/ride-bidding/internal/models"
)

type Subscription interface {
	Events() <-chan models.RideEvent
	// Close is idempotent.
	Close()
}

type Feed interface {
	Subscribe(ctx context.Context, rideID string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev models.RideEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventFor builds the event describing ride r entering its current status.
func EventFor(r models.RideRequest, at models.EventType) models.RideEvent {
	return models.RideEvent{
		Type:     at,
		RideID:   r.ID,
		DriverID: r.SelectedDriverID,
		Status:   r.Status,
		Reason:   r.CancelReason,
	}
}

func eventTypeFor(s models.RideStatus) models.EventType {
	switch s {
	case models.RideConfirmed:
		return models.EventRideConfirmed
	case models.RideInProgress:
		return models.EventRideStarted
	case models.RideCompleted:
		return models.EventRideCompleted
	case models.RideCancelled:
		return models.EventRideCancelled
	default:
		return models.EventRideOpened
	}
}
