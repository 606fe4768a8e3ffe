package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

type User struct {
	ID           int64         `json:"id"`
	Email        string        `json:"email"`
	Name         string        `json:"name"`
	Phone        string        `json:"phone,omitempty"`
	Role         Role          `json:"role"`
	Status       AccountStatus `json:"status"`
	PasswordHash string        `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	LastLogin    *time.Time    `json:"last_login,omitempty"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type LocationKind string

const (
	KindPickup LocationKind = "pickup"
	KindDrop   LocationKind = "drop"
	KindBoth   LocationKind = "both"
)

type LocationStatus string

const (
	LocationActive    LocationStatus = "active"
	LocationInactive  LocationStatus = "inactive"
	LocationTemporary LocationStatus = "temporary"
)

// Location is a fixed campus stop. Locations are never hard-deleted; a
// removal flips Status to inactive so booking history stays resolvable.
type Location struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Coord     Coord          `json:"coord"`
	Kind      LocationKind   `json:"kind"`
	Status    LocationStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "available"
	VehicleInUse       VehicleStatus = "in_use"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleRetired     VehicleStatus = "retired"
)

func (s VehicleStatus) IsValid() bool {
	switch s {
	case VehicleAvailable, VehicleInUse, VehicleMaintenance, VehicleRetired:
		return true
	}
	return false
}

type Vehicle struct {
	ID        int64         `json:"id"`
	Plate     string        `json:"plate"`
	Capacity  int           `json:"capacity"`
	Status    VehicleStatus `json:"status"`
	DriverID  *int64        `json:"driver_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Pair is a driver and the vehicle linked to them.
type Pair struct {
	DriverID  int64 `json:"driver_id"`
	VehicleID int64 `json:"vehicle_id"`
}

type Booking struct {
	ID                 int64         `json:"id"`
	Code               string        `json:"code"`
	RiderID            int64         `json:"rider_id"`
	FromLocationID     int64         `json:"from_location_id"`
	ToLocationID       int64         `json:"to_location_id"`
	PassengerCount     int           `json:"passenger_count"`
	Notes              string        `json:"notes,omitempty"`
	Status             BookingStatus `json:"status"`
	DriverID           *int64        `json:"driver_id,omitempty"`
	VehicleID          *int64        `json:"vehicle_id,omitempty"`
	EstimatedDistance  float64       `json:"estimated_distance_km"`
	ActualDistance     *float64      `json:"actual_distance_km,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	AcceptedAt         *time.Time    `json:"accepted_at,omitempty"`
	ArrivingAt         *time.Time    `json:"arriving_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy        *int64        `json:"cancelled_by,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	Rating             *int          `json:"rating,omitempty"`
	Review             string        `json:"review,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (b *Booking) Clone() *Booking {
	c := *b
	c.DriverID = cloneInt64(b.DriverID)
	c.VehicleID = cloneInt64(b.VehicleID)
	c.CancelledBy = cloneInt64(b.CancelledBy)
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.ArrivingAt = cloneTime(b.ArrivingAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	if b.ActualDistance != nil {
		d := *b.ActualDistance
		c.ActualDistance = &d
	}
	if b.Rating != nil {
		r := *b.Rating
		c.Rating = &r
	}
	return &c
}

type TripStatus string

const (
	TripOngoing   TripStatus = "ongoing"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

type Trip struct {
	ID         int64      `json:"id"`
	BookingID  *int64     `json:"booking_id,omitempty"`
	DriverID   int64      `json:"driver_id"`
	VehicleID  int64      `json:"vehicle_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DistanceKm float64    `json:"distance_km"`
	Status     TripStatus `json:"status"`
}

func (t *Trip) Clone() *Trip {
	c := *t
	c.BookingID = cloneInt64(t.BookingID)
	c.EndTime = cloneTime(t.EndTime)
	return &c
}

// LocationSample is append-only. The newest sample for a driver is that
// driver's current location.
type LocationSample struct {
	ID        int64     `json:"id"`
	TripID    *int64    `json:"trip_id,omitempty"`
	DriverID  int64     `json:"driver_id"`
	Coord     Coord     `json:"coord"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
