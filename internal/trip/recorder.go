// Package trip opens and closes trips and appends driver location samples.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// Recorder holds the trip rules. Every method runs inside the caller's
// transaction so a trip change commits or rolls back with the booking change
// that caused it.
type Recorder struct {
	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

// Open starts a trip for a booking. It fails with models.ErrConflict when the
// driver already has an ongoing trip; the existing trip is never reused.
func (r *Recorder) Open(ctx context.Context, tx storage.Tx, bookingID, driverID, vehicleID int64) (*models.Trip, error) {
	existing, err := tx.OngoingTripForDriver(ctx, driverID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: driver %d already has ongoing trip %d", models.ErrConflict, driverID, existing.ID)
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	t := &models.Trip{
		BookingID: &bookingID,
		DriverID:  driverID,
		VehicleID: vehicleID,
		StartTime: r.now(),
		Status:    models.TripOngoing,
	}
	if err := tx.InsertTrip(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Close completes the open trip for (booking, driver).
func (r *Recorder) Close(ctx context.Context, tx storage.Tx, bookingID, driverID int64) (*models.Trip, error) {
	t, err := tx.OpenTripForBooking(ctx, bookingID, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: booking %d driver %d", models.ErrNoActiveTrip, bookingID, driverID)
	}
	if err != nil {
		return nil, err
	}
	end := r.now()
	t.EndTime = &end
	t.Status = models.TripCompleted
	if err := tx.UpdateTrip(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

type SampleInput struct {
	Coord     models.Coord `json:"coord"`
	Speed     float64      `json:"speed"`
	Heading   float64      `json:"heading"`
	Accuracy  float64      `json:"accuracy"`
	Altitude  *float64     `json:"altitude,omitempty"`
	Timestamp time.Time    `json:"timestamp,omitempty"`
}

// RecordSample appends a sample to the driver's ongoing trip and adds the
// distance from the trip's previous sample. Without an ongoing trip it fails
// with models.ErrNoActiveTrip and writes nothing.
func (r *Recorder) RecordSample(ctx context.Context, tx storage.Tx, driverID int64, in SampleInput) (*models.LocationSample, *models.Trip, error) {
	if !geo.ValidCoord(in.Coord) {
		return nil, nil, fmt.Errorf("%w: coordinate out of range", models.ErrValidation)
	}
	t, err := tx.OngoingTripForDriver(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: driver %d", models.ErrNoActiveTrip, driverID)
	}
	if err != nil {
		return nil, nil, err
	}

	prev, err := tx.LastSampleForTrip(ctx, t.ID)
	if err != nil {
		return nil, nil, err
	}
	if prev != nil {
		t.DistanceKm += geo.Distance(prev.Coord, in.Coord)
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return nil, nil, err
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	s := &models.LocationSample{
		TripID:    &t.ID,
		DriverID:  driverID,
		Coord:     in.Coord,
		Speed:     in.Speed,
		Heading:   in.Heading,
		Accuracy:  in.Accuracy,
		Altitude:  in.Altitude,
		Timestamp: ts.UTC(),
	}
	if err := tx.InsertSample(ctx, s); err != nil {
		return nil, nil, err
	}
	return s, t, nil
}
