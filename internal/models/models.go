package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

func (r Role) Valid() bool { return r == RolePassenger || r == RoleDriver }

// Principal is the authenticated identity attached to one request or one
// realtime connection.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type Vehicle struct {
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	LicensePlate string `json:"licensePlate,omitempty"`
	Color        string `json:"color,omitempty"`
}

type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"fullName"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	Role         Role      `json:"role"`
	Vehicle      *Vehicle  `json:"vehicle,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DriverPosition is the latest reported location of a driver.
type DriverPosition struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p DriverPosition) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

// DriverView joins a driver profile with its live position, if any.
type DriverView struct {
	User
	Location       *DriverPosition `json:"location,omitempty"`
	ETASeconds     float64         `json:"etaSeconds,omitempty"`
	DistanceMeters float64         `json:"distanceMeters,omitempty"`
}

// Candidate is a live driver scored against a pickup point.
type Candidate struct {
	Position       DriverPosition `json:"position"`
	ETASeconds     float64        `json:"etaSeconds"`
	DistanceMeters float64        `json:"distanceMeters"`
}
