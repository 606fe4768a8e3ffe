package booking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
	"github.com/example/shuttle-dispatch/internal/trip"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *recordingBus) Publish(e models.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return true
}

func (b *recordingBus) ofType(t models.EventType) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	t       *testing.T
	store   *storage.MemoryStore
	bus     *recordingBus
	svc     *Service
	tracker *trip.Tracker
	from    int64
	to      int64
	seq     int
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := &recordingBus{}
	recorder := trip.NewRecorder()
	e := &env{
		t:       t,
		store:   store,
		bus:     bus,
		svc:     NewService(store, dispatch.NewEngine(discardLog), recorder, bus, audit.Discard{}, discardLog, opts...),
		tracker: trip.NewTracker(store, recorder, bus, discardLog),
	}
	e.from = e.location("Rektorat", models.Coord{Lat: -7.1566, Lon: 112.6555}, models.LocationActive)
	e.to = e.location("Asrama", models.Coord{Lat: -7.1621, Lon: 112.6510}, models.LocationActive)
	return e
}

func (e *env) tx(fn func(ctx context.Context, tx storage.Tx) error) {
	e.t.Helper()
	ctx := context.Background()
	require.NoError(e.t, e.store.WithTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }))
}

func (e *env) location(name string, c models.Coord, status models.LocationStatus) int64 {
	l := &models.Location{Name: name, Coord: c, Kind: models.KindBoth, Status: status}
	e.tx(func(ctx context.Context, tx storage.Tx) error { return tx.InsertLocation(ctx, l) })
	return l.ID
}

func (e *env) user(role models.Role) int64 {
	e.seq++
	u := &models.User{
		Email:  fmt.Sprintf("%s-%d@uisi.ac.id", role, e.seq),
		Role:   role,
		Status: models.AccountActive,
	}
	e.tx(func(ctx context.Context, tx storage.Tx) error { return tx.InsertUser(ctx, u) })
	return u.ID
}

func (e *env) rider() int64 { return e.user(models.RoleRider) }

// driver creates a driver linked to a fresh available vehicle.
func (e *env) driver() (driverID, vehicleID int64) {
	driverID = e.user(models.RoleDriver)
	v := &models.Vehicle{Plate: fmt.Sprintf("W %d UI", driverID), Capacity: 7, Status: models.VehicleAvailable, DriverID: &driverID}
	e.tx(func(ctx context.Context, tx storage.Tx) error { return tx.InsertVehicle(ctx, v) })
	return driverID, v.ID
}

func (e *env) create(riderID int64) *models.Booking {
	e.t.Helper()
	b, err := e.svc.CreateBooking(context.Background(), riderID, CreateInput{FromLocationID: e.from, ToLocationID: e.to, PassengerCount: 1})
	require.NoError(e.t, err)
	return b
}

func (e *env) booking(id int64) *models.Booking {
	e.t.Helper()
	b, err := e.svc.GetBooking(context.Background(), id)
	require.NoError(e.t, err)
	return b
}

func (e *env) vehicle(id int64) *models.Vehicle {
	var v *models.Vehicle
	e.tx(func(ctx context.Context, tx storage.Tx) error {
		var err error
		v, err = tx.GetVehicle(ctx, id)
		return err
	})
	return v
}

// bookingIn builds a booking already sitting in status, with a consistent
// driver, vehicle and trip, by writing the rows directly.
func (e *env) bookingIn(status models.BookingStatus) (b *models.Booking, riderID, driverID int64) {
	riderID = e.rider()
	driverID, vehicleID := e.driver()
	now := time.Now().UTC()
	e.seq++
	b = &models.Booking{
		Code: fmt.Sprintf("SHUTEST%d", e.seq), RiderID: riderID,
		FromLocationID: e.from, ToLocationID: e.to, PassengerCount: 1,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	if status.HasAssignment() {
		b.DriverID, b.VehicleID = &driverID, &vehicleID
	}
	e.tx(func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if status.HoldsVehicle() {
			if _, err := tx.SetVehicleStatusIf(ctx, vehicleID, models.VehicleAvailable, models.VehicleInUse); err != nil {
				return err
			}
		}
		if status == models.StatusOngoing {
			return tx.InsertTrip(ctx, &models.Trip{BookingID: &b.ID, DriverID: driverID, VehicleID: vehicleID, StartTime: now, Status: models.TripOngoing})
		}
		return nil
	})
	return b, riderID, driverID
}

func (e *env) ongoingTrips(driverID int64) []models.Trip {
	var out []models.Trip
	for _, t := range e.store.Trips() {
		if t.DriverID == driverID && t.Status == models.TripOngoing {
			out = append(out, t)
		}
	}
	return out
}
