package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideConfirmed  RideStatus = "confirmed"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

// Assigned reports whether a ride in this status carries a selected driver.
func (s RideStatus) Assigned() bool {
	return s == RideConfirmed || s == RideInProgress || s == RideCompleted
}

// Active reports whether the ride occupies its driver.
func (s RideStatus) Active() bool { return s == RideConfirmed || s == RideInProgress }

// RideRequest is the canonical ride record. Store adapters normalize every
// alternate field spelling into this type.
type RideRequest struct {
	ID               string     `json:"id"`
	CustomerRef      string     `json:"customer_ref"`
	CustomerName     string     `json:"customer_name,omitempty"`
	CustomerPhone    string     `json:"customer_phone,omitempty"`
	Pickup           Place      `json:"pickup"`
	Drop             Place      `json:"drop"`
	DistanceKm       float64    `json:"distance_km"`
	EstimatedFare    float64    `json:"estimated_fare"`
	FinalFare        float64    `json:"final_fare,omitempty"`
	Status           RideStatus `json:"status"`
	SelectedDriverID string     `json:"selected_driver_id,omitempty"`
	OTP              string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	// CancelledBy keeps the assigned driver once a cancellation has cleared
	// SelectedDriverID.
	CancelledBy string `json:"cancelled_by,omitempty"`
}

type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidCancelled BidStatus = "cancelled"
)

type Bid struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Amount    float64   `json:"amount"`
	Status    BidStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TimerStatus string

const (
	TimerActive  TimerStatus = "active"
	TimerExpired TimerStatus = "expired"
)

// BidTimer is derived state; RideRequest.Status always wins over it.
type BidTimer struct {
	RideID    string        `json:"ride_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExpiresAt time.Time     `json:"expires_at"`
	Status    TimerStatus   `json:"status"`
}

// NewBidTimer keeps ExpiresAt = StartedAt + Duration.
func NewBidTimer(rideID string, startedAt time.Time, d time.Duration) BidTimer {
	return BidTimer{RideID: rideID, StartedAt: startedAt, Duration: d, ExpiresAt: startedAt.Add(d), Status: TimerActive}
}

// Expired reports whether no acceptance may succeed at now.
func (t BidTimer) Expired(now time.Time) bool {
	return t.Status == TimerExpired || !now.Before(t.ExpiresAt)
}

type NotificationMarker struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	ShownAt  time.Time `json:"shown_at"`
}

// HistoryEntry is written once when a ride completes and never updated.
type HistoryEntry struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	CustomerRef string    `json:"customer_ref"`
	PickupAddr  string    `json:"pickup_address"`
	DropAddr    string    `json:"drop_address"`
	DistanceKm  float64   `json:"distance_km"`
	FinalFare   float64   `json:"final_fare"`
	Earnings    float64   `json:"earnings"`
	CompletedAt time.Time `json:"completed_at"`
}

type DriverStats struct {
	DriverID      string  `json:"driver_id"`
	TotalRides    int     `json:"total_rides"`
	TotalEarnings float64 `json:"total_earnings"`
}
