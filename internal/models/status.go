package models

import "fmt"

// BookingStatus is a state of the booking lifecycle.
type BookingStatus string

const (
	StatusPending        BookingStatus = "pending"
	StatusAccepted       BookingStatus = "accepted"
	StatusDriverArriving BookingStatus = "driver_arriving"
	StatusOngoing        BookingStatus = "ongoing"
	StatusCompleted      BookingStatus = "completed"
	StatusCancelled      BookingStatus = "cancelled"
	// StatusNoShow is accepted from storage but no transition leads to it.
	StatusNoShow BookingStatus = "no_show"
)

// validTransitions is the complete set of edges of the booking state machine.
var validTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:        {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusDriverArriving, StatusCancelled},
	StatusDriverArriving: {StatusOngoing},
	StatusOngoing:        {StatusCompleted},
	StatusCompleted:      {},
	StatusCancelled:      {},
	StatusNoShow:         {},
}

// AllStatuses lists every declared status in lifecycle order.
func AllStatuses() []BookingStatus {
	return []BookingStatus{
		StatusPending, StatusAccepted, StatusDriverArriving, StatusOngoing,
		StatusCompleted, StatusCancelled, StatusNoShow,
	}
}

func (s BookingStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether the edge s -> target exists.
func (s BookingStatus) CanTransitionTo(target BookingStatus) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// HoldsVehicle reports whether a booking in this status keeps its vehicle in_use.
func (s BookingStatus) HoldsVehicle() bool {
	switch s {
	case StatusAccepted, StatusDriverArriving, StatusOngoing:
		return true
	}
	return false
}

// HasAssignment reports whether driver and vehicle must be set in this status.
func (s BookingStatus) HasAssignment() bool {
	return s.HoldsVehicle() || s == StatusCompleted
}

func (s BookingStatus) String() string { return string(s) }

func ParseBookingStatus(s string) (BookingStatus, error) {
	status := BookingStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: unknown booking status %q", ErrInvalidTransition, s)
	}
	return status, nil
}
