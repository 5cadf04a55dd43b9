package models

import (
	"fmt"
	"time"
)

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	RideCreated   RideStatus = "created"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCanceled  RideStatus = "canceled"
)

var rideTransitions = map[RideStatus][]RideStatus{
	RideCreated:   {RideOngoing, RideCanceled, RideCompleted},
	RideOngoing:   {RideCompleted, RideCanceled},
	RideCompleted: {},
	RideCanceled:  {},
}

func (s RideStatus) Valid() bool {
	_, ok := rideTransitions[s]
	return ok
}

func (s RideStatus) CanTransitionTo(target RideStatus) bool {
	for _, t := range rideTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s RideStatus) IsTerminal() bool {
	return len(rideTransitions[s]) == 0
}

// SourcesOf lists every status that may move to target.
func SourcesOf(target RideStatus) []RideStatus {
	var out []RideStatus
	for _, s := range []RideStatus{RideCreated, RideOngoing, RideCompleted, RideCanceled} {
		if s.CanTransitionTo(target) {
			out = append(out, s)
		}
	}
	return out
}

func ParseRideStatus(s string) (RideStatus, error) {
	st := RideStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid ride status: %s", s)
	}
	return st, nil
}

// Place is an address plus [lng, lat] coordinates, matching GeoJSON order.
type Place struct {
	Address     string    `json:"address"`
	Coordinates []float64 `json:"coordinates"`
}

// Coord returns the place coordinates; ok is false when they are malformed.
func (p Place) Coord() (Coord, bool) {
	if len(p.Coordinates) != 2 {
		return Coord{}, false
	}
	c := Coord{Lng: p.Coordinates[0], Lat: p.Coordinates[1]}
	return c, c.Valid()
}

type Ride struct {
	ID            string     `json:"id"`
	DriverID      string     `json:"driverId"`
	PassengerID   string     `json:"passengerId"`
	Origin        Place      `json:"origin"`
	Destination   Place      `json:"destination"`
	DepartureTime time.Time  `json:"departureTime"`
	Price         int64      `json:"price"`
	Status        RideStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Involves reports whether the user is either party of the ride.
func (r Ride) Involves(userID string) bool {
	return r.DriverID == userID || r.PassengerID == userID
}

// RideEvent is emitted on every lifecycle change.
type RideEvent struct {
	Type string    `json:"type"`
	Ride Ride      `json:"ride"`
	At   time.Time `json:"at"`
}

// RideEventFor names the realtime event announcing a ride entering status.
func RideEventFor(s RideStatus) string {
	switch s {
	case RideCreated:
		return "rideCreated"
	case RideOngoing:
		return "rideStarted"
	case RideCompleted:
		return "rideCompleted"
	case RideCanceled:
		return "rideCanceled"
	}
	return "rideUpdated"
}
