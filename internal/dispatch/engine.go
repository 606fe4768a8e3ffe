// Package dispatch assigns pending bookings to an eligible driver and vehicle.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/fleet"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// Trigger names why a dispatch attempt ran.
type Trigger string

const (
	TriggerCreate     Trigger = "create"
	TriggerManual     Trigger = "manual"
	TriggerRedispatch Trigger = "redispatch"
)

// claimAttempts bounds how often a lost race for a vehicle is retried against
// a fresh eligibility snapshot.
const claimAttempts = 3

type Engine struct {
	log *slog.Logger
	now func() time.Time
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Assign moves a pending booking to accepted inside tx. The vehicle is claimed
// with a conditional available -> in_use update in the same transaction as the
// booking write, so two bookings can never hold one vehicle. It reports false
// when no eligible pair exists; the booking is then left untouched.
func (e *Engine) Assign(ctx context.Context, tx storage.Tx, b *models.Booking, trigger Trigger) (bool, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	if b.Status != models.StatusPending {
		return false, fmt.Errorf("%w: booking %d is %s", models.ErrInvalidTransition, b.ID, b.Status)
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		pair, ok, err := fleet.FindAvailablePair(ctx, tx)
		if err != nil {
			return false, err
		}
		if !ok {
			observability.DispatchOutcomes.WithLabelValues(string(trigger), "unavailable").Inc()
			e.log.Info("no eligible driver", "booking_id", b.ID, "trigger", trigger)
			return false, nil
		}
		claimed, err := tx.SetVehicleStatusIf(ctx, pair.VehicleID, models.VehicleAvailable, models.VehicleInUse)
		if err != nil {
			return false, err
		}
		if !claimed {
			e.log.Debug("vehicle claimed concurrently, retrying", "vehicle_id", pair.VehicleID, "attempt", attempt+1)
			continue
		}
		if err := e.accept(ctx, tx, b, pair); err != nil {
			return false, err
		}
		observability.DispatchOutcomes.WithLabelValues(string(trigger), "assigned").Inc()
		e.log.Info("booking dispatched", "booking_id", b.ID, "driver_id", pair.DriverID, "vehicle_id", pair.VehicleID, "trigger", trigger)
		return true, nil
	}
	observability.DispatchOutcomes.WithLabelValues(string(trigger), "contended").Inc()
	return false, nil
}

func (e *Engine) accept(ctx context.Context, tx storage.Tx, b *models.Booking, pair models.Pair) error {
	now := e.now()
	next := b.Clone()
	next.Status = models.StatusAccepted
	next.DriverID = &pair.DriverID
	next.VehicleID = &pair.VehicleID
	next.AcceptedAt = &now
	next.UpdatedAt = now

	ok, err := tx.UpdateBooking(ctx, next, models.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: booking %d is no longer pending", models.ErrConflict, b.ID)
	}
	if err := tx.InsertNotification(ctx, &models.Notification{
		UserID:   pair.DriverID,
		Title:    "New booking",
		Message:  fmt.Sprintf("Booking %s for %d passenger(s) has been assigned to you", b.Code, b.PassengerCount),
		Kind:     "booking",
		Priority: "high",
	}); err != nil {
		return err
	}
	*b = *next
	return nil
}
