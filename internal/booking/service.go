// Package booking owns the booking lifecycle. It is the only writer of a
// booking's status and keeps the assigned vehicle and trip consistent with it
// inside one transaction per change.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/events"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/storage"
	"github.com/example/shuttle-dispatch/internal/trip"
)

// createAttempts is one try plus one retry with a fresh code.
const createAttempts = 2

const (
	defaultCancelReason  = "Cancelled by rider"
	accountRemovedReason = "User account deleted"
)

type Service struct {
	store    storage.Store
	engine   *dispatch.Engine
	recorder *trip.Recorder
	bus      events.Publisher
	audit    audit.Sink
	log      *slog.Logger

	now                 func() time.Time
	newCode             func(time.Time) (string, error)
	redispatchOnRelease bool
}

type Option func(*Service)

// WithRedispatch controls whether a released vehicle is offered to the
// oldest pending booking.
func WithRedispatch(enabled bool) Option { return func(s *Service) { s.redispatchOnRelease = enabled } }

func WithCodeGenerator(f func(time.Time) (string, error)) Option {
	return func(s *Service) { s.newCode = f }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store storage.Store, engine *dispatch.Engine, recorder *trip.Recorder, bus events.Publisher, sink audit.Sink, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:               store,
		engine:              engine,
		recorder:            recorder,
		bus:                 bus,
		audit:               sink,
		log:                 log,
		now:                 func() time.Time { return time.Now().UTC() },
		newCode:             GenerateCode,
		redispatchOnRelease: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateInput struct {
	FromLocationID int64  `json:"from_location_id"`
	ToLocationID   int64  `json:"to_location_id"`
	PassengerCount int    `json:"passenger_count"`
	Notes          string `json:"notes,omitempty"`
}

// CreateBooking stores a new booking and dispatches it in the same
// transaction. The returned booking is accepted when a pair was free and
// pending otherwise.
func (s *Service) CreateBooking(ctx context.Context, riderID int64, in CreateInput) (*models.Booking, error) {
	if in.PassengerCount < 1 {
		return nil, fmt.Errorf("%w: passenger_count must be at least 1", models.ErrValidation)
	}

	var b *models.Booking
	var err error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		b, err = s.createOnce(ctx, riderID, in)
		if !errors.Is(err, models.ErrDuplicateCode) {
			break
		}
		observability.BookingCodeRetries.Inc()
		s.log.Warn("booking code collision", "attempt", attempt, "rider_id", riderID)
	}
	if err != nil {
		return nil, err
	}

	observability.BookingsCreated.WithLabelValues(string(b.Status)).Inc()
	s.log.Info("booking created", "booking_id", b.ID, "code", b.Code, "status", b.Status)
	s.audit.Record(ctx, audit.Entry{ActorID: riderID, Action: "create", EntityType: "booking", EntityID: b.ID, After: b.Code})
	if b.Status == models.StatusAccepted {
		s.emitAssigned(b)
	}
	return b, nil
}

func (s *Service) createOnce(ctx context.Context, riderID int64, in CreateInput) (*models.Booking, error) {
	now := s.now()
	code, err := s.newCode(now)
	if err != nil {
		return nil, err
	}
	var b *models.Booking
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		rider, err := tx.GetUser(ctx, riderID)
		if err != nil {
			return err
		}
		if rider.Role != models.RoleRider || rider.Status != models.AccountActive {
			return fmt.Errorf("%w: user %d cannot book", models.ErrForbidden, riderID)
		}
		from, err := activeLocation(ctx, tx, in.FromLocationID)
		if err != nil {
			return err
		}
		to, err := activeLocation(ctx, tx, in.ToLocationID)
		if err != nil {
			return err
		}

		b = &models.Booking{
			Code:              code,
			RiderID:           riderID,
			FromLocationID:    from.ID,
			ToLocationID:      to.ID,
			PassengerCount:    in.PassengerCount,
			Notes:             in.Notes,
			Status:            models.StatusPending,
			EstimatedDistance: geo.Distance(from.Coord, to.Coord),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		_, err = s.engine.Assign(ctx, tx, b, dispatch.TriggerCreate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func activeLocation(ctx context.Context, tx storage.Tx, id int64) (*models.Location, error) {
	l, err := tx.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != models.LocationActive {
		return nil, fmt.Errorf("%w: location %d is %s", models.ErrNotFound, id, l.Status)
	}
	return l, nil
}

// CancelBooking lets the owning rider cancel a pending or accepted booking.
// The assignment is cleared and the vehicle released in the same
// transaction; the booking is never reassigned.
func (s *Service) CancelBooking(ctx context.Context, riderID, bookingID int64, reason string) (*models.Booking, error) {
	if reason == "" {
		reason = defaultCancelReason
	}
	var before models.BookingStatus
	var prevDriver *int64
	var released bool
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.RiderID != riderID {
			return fmt.Errorf("%w: booking %d belongs to another rider", models.ErrForbidden, bookingID)
		}
		if !cur.Status.CanTransitionTo(models.StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel booking with status %s", models.ErrInvalidTransition, cur.Status)
		}
		before, prevDriver = cur.Status, cur.DriverID
		b, released, err = s.cancelInTx(ctx, tx, cur, riderID, reason, "by the rider")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, riderID, b, before, prevDriver)
	if released {
		s.Redispatch(ctx)
	}
	return b, nil
}

// RemoveRiderAccount closes a rider account on an admin's request. Every
// pending or accepted booking of the rider is cancelled and its vehicle
// released, the account is marked inactive and its sessions are revoked, all
// in one transaction. A rider whose driver is already on the way or driving
// cannot be removed until that trip ends. The user row is kept so booking
// history stays resolvable.
func (s *Service) RemoveRiderAccount(ctx context.Context, actorID, riderID int64) ([]models.Booking, error) {
	type change struct {
		booking    *models.Booking
		before     models.BookingStatus
		prevDriver *int64
	}
	var changes []change
	var released bool
	var email string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		u, err := tx.GetUser(ctx, riderID)
		if err != nil {
			return err
		}
		if u.Role != models.RoleRider {
			return fmt.Errorf("%w: %s accounts cannot be removed", models.ErrForbidden, u.Role)
		}
		email = u.Email
		history, err := tx.ListBookingsByRider(ctx, riderID)
		if err != nil {
			return err
		}
		for _, h := range history {
			cur, err := tx.GetBooking(ctx, h.ID)
			if err != nil {
				return err
			}
			switch cur.Status {
			case models.StatusDriverArriving, models.StatusOngoing:
				return fmt.Errorf("%w: booking %s is %s", models.ErrConflict, cur.Code, cur.Status)
			}
			if !cur.Status.CanTransitionTo(models.StatusCancelled) {
				continue
			}
			next, freed, err := s.cancelInTx(ctx, tx, cur, actorID, accountRemovedReason, "because the rider account was removed")
			if err != nil {
				return err
			}
			released = released || freed
			changes = append(changes, change{booking: next, before: cur.Status, prevDriver: cur.DriverID})
		}
		if err := tx.SetUserStatus(ctx, riderID, models.AccountInactive); err != nil {
			return err
		}
		return tx.DeleteUserSessions(ctx, riderID)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Booking, 0, len(changes))
	for _, c := range changes {
		s.afterTransition(ctx, actorID, c.booking, c.before, c.prevDriver)
		out = append(out, *c.booking)
	}
	s.log.Info("rider account removed", "user_id", riderID, "cancelled_bookings", len(out), "actor_id", actorID)
	s.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "delete_user", EntityType: "user", EntityID: riderID, Before: email, After: models.AccountInactive})
	if released {
		s.Redispatch(ctx)
	}
	return out, nil
}

// cancelInTx cancels cur on behalf of actorID, clearing its assignment and
// releasing the vehicle. It reports whether a vehicle was freed.
func (s *Service) cancelInTx(ctx context.Context, tx storage.Tx, cur *models.Booking, actorID int64, reason, cause string) (*models.Booking, bool, error) {
	released := false
	if cur.VehicleID != nil {
		if err := releaseVehicle(ctx, tx, *cur.VehicleID); err != nil {
			return nil, false, err
		}
		released = true
	}
	if cur.DriverID != nil {
		if err := tx.InsertNotification(ctx, &models.Notification{
			UserID:   *cur.DriverID,
			Title:    "Booking cancelled",
			Message:  fmt.Sprintf("Booking %s was cancelled %s", cur.Code, cause),
			Kind:     "booking",
			Priority: "normal",
		}); err != nil {
			return nil, false, err
		}
	}

	now := s.now()
	next := cur.Clone()
	next.Status = models.StatusCancelled
	next.DriverID = nil
	next.VehicleID = nil
	next.CancelledAt = &now
	next.CancelledBy = &actorID
	next.CancellationReason = reason
	next.UpdatedAt = now
	if err := s.commitStatus(ctx, tx, next, cur.Status); err != nil {
		return nil, false, err
	}
	return next, released, nil
}

// TransitionBooking applies a driver action. Only the assigned driver may
// move a booking, and only along accepted -> driver_arriving -> ongoing ->
// completed. Entering ongoing opens a trip; entering completed closes it and
// releases the vehicle.
func (s *Service) TransitionBooking(ctx context.Context, driverID, bookingID int64, target models.BookingStatus) (*models.Booking, error) {
	switch target {
	case models.StatusDriverArriving, models.StatusOngoing, models.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: drivers cannot set status %q", models.ErrInvalidTransition, target)
	}

	var before models.BookingStatus
	var openedTrip, closedTrip *models.Trip
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.DriverID == nil {
			return fmt.Errorf("%w: booking %d is %s", models.ErrInvalidTransition, bookingID, cur.Status)
		}
		if *cur.DriverID != driverID {
			return fmt.Errorf("%w: booking %d is assigned to another driver", models.ErrForbidden, bookingID)
		}
		if !cur.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, cur.Status, target)
		}
		before = cur.Status

		now := s.now()
		next := cur.Clone()
		next.Status = target
		next.UpdatedAt = now
		switch target {
		case models.StatusDriverArriving:
			next.ArrivingAt = &now
		case models.StatusOngoing:
			t, err := s.recorder.Open(ctx, tx, cur.ID, driverID, *cur.VehicleID)
			if err != nil {
				return err
			}
			openedTrip = t
			next.StartedAt = &now
		case models.StatusCompleted:
			t, err := s.recorder.Close(ctx, tx, cur.ID, driverID)
			if err != nil {
				return err
			}
			closedTrip = t
			if err := releaseVehicle(ctx, tx, *cur.VehicleID); err != nil {
				return err
			}
			dist := t.DistanceKm
			next.ActualDistance = &dist
			next.CompletedAt = &now
		}
		if err := s.commitStatus(ctx, tx, next, cur.Status); err != nil {
			return err
		}
		b = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if openedTrip != nil {
		observability.TripsOpened.Inc()
		s.log.Info("trip opened", "trip_id", openedTrip.ID, "booking_id", b.ID, "driver_id", driverID)
	}
	if closedTrip != nil {
		observability.TripsClosed.Inc()
		s.log.Info("trip closed", "trip_id", closedTrip.ID, "booking_id", b.ID, "distance_km", closedTrip.DistanceKm)
	}
	s.afterTransition(ctx, driverID, b, before, b.DriverID)
	if target == models.StatusCompleted {
		s.Redispatch(ctx)
	}
	return b, nil
}

// AssignBooking runs dispatch for one pending booking on demand. It fails
// with models.ErrUnavailable when no pair is free.
func (s *Service) AssignBooking(ctx context.Context, actorID, bookingID int64) (*models.Booking, error) {
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending {
			return fmt.Errorf("%w: booking %d is %s", models.ErrInvalidTransition, bookingID, cur.Status)
		}
		ok, err := s.engine.Assign(ctx, tx, cur, dispatch.TriggerManual)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: booking %d", models.ErrUnavailable, bookingID)
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "assign", EntityType: "booking", EntityID: b.ID, Before: models.StatusPending, After: models.StatusAccepted})
	s.emitAssigned(b)
	return b, nil
}

// Redispatch offers free capacity to the oldest pending booking. It runs in
// its own transaction after the change that freed a vehicle has committed,
// and its failures are logged rather than returned. The release has already
// committed, so a cancelled request context must not stop the follow-up.
func (s *Service) Redispatch(ctx context.Context) {
	if !s.redispatchOnRelease {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.OldestPendingBooking(ctx)
		if err != nil || cur == nil {
			return err
		}
		ok, err := s.engine.Assign(ctx, tx, cur, dispatch.TriggerRedispatch)
		if err != nil || !ok {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		s.log.Error("redispatch failed", "error", err)
		return
	}
	if b == nil {
		return
	}
	observability.BookingTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.audit.Record(ctx, audit.Entry{Action: "redispatch", EntityType: "booking", EntityID: b.ID, Before: models.StatusPending, After: models.StatusAccepted})
	s.emitAssigned(b)
}

// RateBooking stores the rider's rating for a completed booking. A booking
// can be rated once.
func (s *Service) RateBooking(ctx context.Context, riderID, bookingID int64, rating int, review string) (*models.Booking, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrValidation)
	}
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.RiderID != riderID {
			return fmt.Errorf("%w: booking %d belongs to another rider", models.ErrForbidden, bookingID)
		}
		if cur.Status != models.StatusCompleted {
			return fmt.Errorf("%w: only completed bookings can be rated", models.ErrInvalidTransition)
		}
		if cur.Rating != nil {
			return fmt.Errorf("%w: booking %d already rated", models.ErrConflict, bookingID)
		}
		next := cur.Clone()
		next.Rating = &rating
		next.Review = review
		next.UpdatedAt = s.now()
		ok, err := tx.UpdateBooking(ctx, next, models.StatusCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: booking %d changed concurrently", models.ErrConflict, bookingID)
		}
		b = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{ActorID: riderID, Action: "rate", EntityType: "booking", EntityID: bookingID, After: rating})
	return b, nil
}

func (s *Service) GetBooking(ctx context.Context, bookingID int64) (*models.Booking, error) {
	var b *models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, bookingID)
		return err
	})
	return b, err
}

func (s *Service) ListRiderBookings(ctx context.Context, riderID int64) ([]models.Booking, error) {
	var out []models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListBookingsByRider(ctx, riderID)
		return err
	})
	return out, err
}

// ListBookings returns the newest bookings for the admin console, optionally
// narrowed to one status.
func (s *Service) ListBookings(ctx context.Context, status models.BookingStatus, limit int) ([]models.Booking, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown booking status %q", models.ErrValidation, status)
	}
	var out []models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListBookings(ctx, status, limit)
		return err
	})
	return out, err
}

// RiderHistory returns every booking of a rider account, newest first.
func (s *Service) RiderHistory(ctx context.Context, riderID int64) ([]models.Booking, error) {
	var out []models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		u, err := tx.GetUser(ctx, riderID)
		if err != nil {
			return err
		}
		if u.Role != models.RoleRider {
			return fmt.Errorf("%w: user %d is not a rider", models.ErrValidation, riderID)
		}
		out, err = tx.ListBookingsByRider(ctx, riderID)
		return err
	})
	return out, err
}

// ListDriverBookings returns the driver's bookings that still hold a vehicle.
func (s *Service) ListDriverBookings(ctx context.Context, driverID int64) ([]models.Booking, error) {
	var out []models.Booking
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListActiveBookingsByDriver(ctx, driverID)
		return err
	})
	return out, err
}

func (s *Service) commitStatus(ctx context.Context, tx storage.Tx, next *models.Booking, expected models.BookingStatus) error {
	ok, err := tx.UpdateBooking(ctx, next, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: booking %d is no longer %s", models.ErrInvalidTransition, next.ID, expected)
	}
	return nil
}

func releaseVehicle(ctx context.Context, tx storage.Tx, vehicleID int64) error {
	ok, err := tx.SetVehicleStatusIf(ctx, vehicleID, models.VehicleInUse, models.VehicleAvailable)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: vehicle %d was not in use", models.ErrConflict, vehicleID)
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, actorID int64, b *models.Booking, before models.BookingStatus, driverID *int64) {
	observability.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	s.log.Info("booking transitioned", "booking_id", b.ID, "from", before, "to", b.Status, "actor_id", actorID)
	action := "status_update"
	if b.Status == models.StatusCancelled {
		action = "cancel"
	}
	s.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: action, EntityType: "booking", EntityID: b.ID, Before: before, After: b.Status})
	e := models.Event{
		Type:        models.EventBookingStatus,
		BookingID:   b.ID,
		BookingCode: b.Code,
		Status:      b.Status,
	}
	if driverID != nil {
		e.DriverID = *driverID
	}
	s.bus.Publish(e)
}

func (s *Service) emitAssigned(b *models.Booking) {
	driverID := *b.DriverID
	s.bus.Publish(models.Event{
		Type:           models.EventNewBooking,
		TargetDriverID: &driverID,
		BookingID:      b.ID,
		BookingCode:    b.Code,
		Status:         b.Status,
		DriverID:       driverID,
	})
}
