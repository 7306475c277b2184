package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// Alternate spellings seen on ride records from older clients. The first
// entry of each list is the canonical key.
var rideAliases = map[string][]string{
	"id":                 {"id", "ride_id", "rideId"},
	"customer_ref":       {"customer_ref", "customer_id", "customerId", "user_id", "rider_id"},
	"customer_name":      {"customer_name", "customerName", "name"},
	"customer_phone":     {"customer_phone", "customerPhone", "phone"},
	"pickup_address":     {"pickup_address", "pickupAddress", "pickup_location", "pickup"},
	"pickup_lat":         {"pickup_lat", "pickupLat", "pickup_latitude"},
	"pickup_lon":         {"pickup_lon", "pickupLng", "pickup_lng", "pickup_longitude"},
	"drop_address":       {"drop_address", "dropAddress", "dropoff_address", "drop_location", "destination"},
	"drop_lat":           {"drop_lat", "dropLat", "drop_latitude", "dropoff_lat"},
	"drop_lon":           {"drop_lon", "dropLng", "drop_lng", "drop_longitude", "dropoff_lng"},
	"distance_km":        {"distance_km", "distanceKm", "distance"},
	"estimated_fare":     {"estimated_fare", "estimatedFare", "fare", "price"},
	"final_fare":         {"final_fare", "finalFare", "final_price", "accepted_fare"},
	"status":             {"status", "ride_status"},
	"selected_driver_id": {"selected_driver_id", "selectedDriverId", "driver_id", "driverId", "assigned_driver_id"},
	"otp":                {"otp", "otp_code", "ride_otp"},
	"created_at":         {"created_at", "createdAt"},
	"cancel_reason":      {"cancel_reason", "cancellation_reason", "cancelReason"},
	"cancelled_by":       {"cancelled_by", "canceled_by", "cancelledBy"},
}

var statusAliases = map[string]models.RideStatus{
	"pending":     models.RidePending,
	"requested":   models.RidePending,
	"bidding":     models.RidePending,
	"confirmed":   models.RideConfirmed,
	"accepted":    models.RideConfirmed,
	"assigned":    models.RideConfirmed,
	"in_progress": models.RideInProgress,
	"in-progress": models.RideInProgress,
	"inprogress":  models.RideInProgress,
	"started":     models.RideInProgress,
	"ongoing":     models.RideInProgress,
	"completed":   models.RideCompleted,
	"finished":    models.RideCompleted,
	"cancelled":   models.RideCancelled,
	"canceled":    models.RideCancelled,
}

// ParseRideStatus maps any known spelling to the canonical status.
func ParseRideStatus(v string) (models.RideStatus, error) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(v))]
	if !ok {
		return "", models.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown ride status %q", v)}
	}
	return s, nil
}

// DecodeRide normalizes a JSON ride payload.
func DecodeRide(data []byte) (models.RideRequest, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return models.RideRequest{}, models.ValidationError{Field: "body", Msg: err.Error()}
	}
	return NormalizeRide(raw)
}

// NormalizeRide folds every alias into one canonical models.RideRequest.
// Two aliases carrying different values for the same field are rejected.
func NormalizeRide(raw map[string]any) (models.RideRequest, error) {
	var r models.RideRequest
	flat := flattenPlaces(raw)

	get := func(field string) (any, error) {
		var (
			val   any
			found string
		)
		for _, key := range rideAliases[field] {
			v, ok := flat[key]
			if !ok || v == nil {
				continue
			}
			if found != "" && fmt.Sprint(v) != fmt.Sprint(val) {
				return nil, models.ValidationError{Field: field, Msg: fmt.Sprintf("%s and %s disagree", found, key)}
			}
			val, found = v, key
		}
		return val, nil
	}

	var err error
	str := func(field string, dst *string) {
		if err != nil {
			return
		}
		var v any
		if v, err = get(field); err == nil && v != nil {
			*dst = strings.TrimSpace(asString(v))
		}
	}
	num := func(field string, dst *float64) {
		if err != nil {
			return
		}
		var v any
		if v, err = get(field); err != nil || v == nil {
			return
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(asString(v)), 64)
		if perr != nil {
			err = models.ValidationError{Field: field, Msg: "not a number"}
			return
		}
		*dst = f
	}

	str("id", &r.ID)
	str("customer_ref", &r.CustomerRef)
	str("customer_name", &r.CustomerName)
	str("customer_phone", &r.CustomerPhone)
	str("pickup_address", &r.Pickup.Address)
	num("pickup_lat", &r.Pickup.Coord.Lat)
	num("pickup_lon", &r.Pickup.Coord.Lon)
	str("drop_address", &r.Drop.Address)
	num("drop_lat", &r.Drop.Coord.Lat)
	num("drop_lon", &r.Drop.Coord.Lon)
	num("distance_km", &r.DistanceKm)
	num("estimated_fare", &r.EstimatedFare)
	num("final_fare", &r.FinalFare)
	str("selected_driver_id", &r.SelectedDriverID)
	str("otp", &r.OTP)
	str("cancel_reason", &r.CancelReason)
	str("cancelled_by", &r.CancelledBy)

	var status, created string
	str("status", &status)
	str("created_at", &created)
	if err != nil {
		return models.RideRequest{}, err
	}
	if status != "" {
		if r.Status, err = ParseRideStatus(status); err != nil {
			return models.RideRequest{}, err
		}
	}
	if created != "" {
		t, perr := time.Parse(time.RFC3339, created)
		if perr != nil {
			return models.RideRequest{}, models.ValidationError{Field: "created_at", Msg: "expected RFC3339"}
		}
		r.CreatedAt = t
	}
	return r, nil
}

// flattenPlaces lifts nested {"pickup": {"address": .., "lat": .., "lng": ..}}
// objects into the flat pickup_* keys.
func flattenPlaces(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		obj, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		prefix := ""
		switch k {
		case "pickup", "pickup_location":
			prefix = "pickup_"
		case "drop", "dropoff", "destination", "drop_location":
			prefix = "drop_"
		default:
			out[k] = v
			continue
		}
		for field, fv := range obj {
			switch strings.ToLower(field) {
			case "address", "name":
				out[prefix+"address"] = fv
			case "lat", "latitude":
				out[prefix+"lat"] = fv
			case "lon", "lng", "longitude":
				out[prefix+"lon"] = fv
			case "coord", "coords", "coordinates":
				if c, ok := fv.(map[string]any); ok {
					for ck, cv := range c {
						switch strings.ToLower(ck) {
						case "lat", "latitude":
							out[prefix+"lat"] = cv
						case "lon", "lng", "longitude":
							out[prefix+"lon"] = cv
						}
					}
				}
			}
		}
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
