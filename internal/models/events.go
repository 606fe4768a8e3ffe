package models

import "time"

type EventType string

const (
	EventNewBooking     EventType = "new_booking"
	EventBookingStatus  EventType = "booking_status"
	EventLocationUpdate EventType = "location_update"
)

// Event is a domain event emitted after a committed state change. A non-nil
// TargetDriverID restricts delivery to that driver.
type Event struct {
	ID             string        `json:"id"`
	Type           EventType     `json:"type"`
	TargetDriverID *int64        `json:"-"`
	BookingID      int64         `json:"booking_id,omitempty"`
	BookingCode    string        `json:"booking_code,omitempty"`
	Status         BookingStatus `json:"status,omitempty"`
	DriverID       int64         `json:"driver_id,omitempty"`
	TripID         int64         `json:"trip_id,omitempty"`
	Latitude       float64       `json:"latitude,omitempty"`
	Longitude      float64       `json:"longitude,omitempty"`
	Speed          float64       `json:"speed,omitempty"`
	Heading        float64       `json:"heading,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e Event) Targeted() bool { return e.TargetDriverID != nil }
