package storage

import (
	"testing"

	"github.com/example/ride-bidding/internal/models"
)

func TestDecodeRideFoldsAliases(t *testing.T) {
	body := []byte(`{
		"rideId": "R9",
		"customerId": "cust-1",
		"pickup": {"address": "Station Rd", "lat": 12.9, "lng": 77.6},
		"destination": "Airport",
		"distance": "18.5",
		"fare": 320,
		"driverId": "D7",
		"ride_status": "Accepted",
		"otp_code": 482
	}`)
	r, err := DecodeRide(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.ID != "R9" || r.CustomerRef != "cust-1" || r.SelectedDriverID != "D7" {
		t.Fatalf("identity fields: %+v", r)
	}
	if r.Pickup.Address != "Station Rd" || r.Pickup.Coord.Lat != 12.9 || r.Pickup.Coord.Lon != 77.6 {
		t.Fatalf("pickup: %+v", r.Pickup)
	}
	if r.Drop.Address != "Airport" || r.DistanceKm != 18.5 || r.EstimatedFare != 320 {
		t.Fatalf("drop/fare: %+v", r)
	}
	if r.Status != models.RideConfirmed || r.OTP != "482" {
		t.Fatalf("status/otp: %s %q", r.Status, r.OTP)
	}
}

func TestNormalizeRideRejectsDisagreeingAliases(t *testing.T) {
	_, err := NormalizeRide(map[string]any{"driver_id": "A", "selected_driver_id": "B"})
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := NormalizeRide(map[string]any{"driver_id": "A", "driverId": "A"}); err != nil {
		t.Fatalf("agreeing aliases should pass: %v", err)
	}
}

func TestParseRideStatus(t *testing.T) {
	cases := map[string]models.RideStatus{
		"canceled":    models.RideCancelled,
		" Ongoing ":   models.RideInProgress,
		"in-progress": models.RideInProgress,
		"requested":   models.RidePending,
	}
	for in, want := range cases {
		got, err := ParseRideStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseRideStatus(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseRideStatus("teleported"); err == nil {
		t.Fatal("unknown status should fail")
	}
}
