package models

import "time"

type EventType string

const (
	EventRideOpened    EventType = "ride.opened"
	EventBidSubmitted  EventType = "bid.submitted"
	EventRideConfirmed EventType = "ride.confirmed"
	EventRideStarted   EventType = "ride.started"
	EventRideCompleted EventType = "ride.completed"
	EventRideCancelled EventType = "ride.cancelled"
	EventRideExpired   EventType = "ride.expired"
)

// RideEvent is the row-level change notification keyed by ride id.
type RideEvent struct {
	Type       EventType  `json:"type"`
	RideID     string     `json:"ride_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	Status     RideStatus `json:"status"`
	Amount     float64    `json:"amount,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type WriteOp string

const (
	OpSubmitBid    WriteOp = "submit_bid"
	OpAcceptRide   WriteOp = "accept_ride"
	OpStartRide    WriteOp = "start_ride"
	OpCompleteRide WriteOp = "complete_ride"
	OpCancelRide   WriteOp = "cancel_ride"
)

// PendingWrite marks a write that failed because the store was unreachable.
// It is resolved against the store on reconnect and never replayed.
type PendingWrite struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	Op          WriteOp   `json:"op"`
	AttemptedAt time.Time `json:"attempted_at"`
}
