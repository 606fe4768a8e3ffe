// Package fleet tracks which drivers and vehicles can take new work and holds
// the admin operations over vehicles and campus stops.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
)

type Registry struct {
	store storage.Store
	audit audit.Sink
	log   *slog.Logger

	// OnVehicleAvailable runs after a committed change that made a vehicle
	// available. Set it before serving requests.
	OnVehicleAvailable func(ctx context.Context)
}

func NewRegistry(store storage.Store, sink audit.Sink, log *slog.Logger) *Registry {
	return &Registry{store: store, audit: sink, log: log}
}

// FindAvailablePair returns the eligible pair with the lowest driver id, then
// lowest vehicle id. Drivers already holding an in_use vehicle are skipped so a
// driver never runs two vehicles at once. It must run inside the caller's
// transaction.
func FindAvailablePair(ctx context.Context, tx storage.Tx) (models.Pair, bool, error) {
	pairs, err := tx.ListEligiblePairs(ctx)
	if err != nil {
		return models.Pair{}, false, err
	}
	busy := make(map[int64]bool)
	for _, p := range pairs {
		b, seen := busy[p.DriverID]
		if !seen {
			n, err := tx.CountVehiclesInUse(ctx, p.DriverID)
			if err != nil {
				return models.Pair{}, false, err
			}
			b = n > 0
			busy[p.DriverID] = b
		}
		if !b {
			return p, true, nil
		}
	}
	return models.Pair{}, false, nil
}

type VehicleInput struct {
	Plate    string `json:"plate"`
	Capacity int    `json:"capacity"`
	DriverID *int64 `json:"driver_id,omitempty"`
}

func (r *Registry) RegisterVehicle(ctx context.Context, actorID int64, in VehicleInput) (*models.Vehicle, error) {
	plate := strings.ToUpper(strings.TrimSpace(in.Plate))
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", models.ErrValidation)
	}
	if in.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", models.ErrValidation)
	}
	v := &models.Vehicle{Plate: plate, Capacity: in.Capacity, Status: models.VehicleAvailable, DriverID: in.DriverID}
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if v.DriverID != nil {
			if err := requireDriver(ctx, tx, *v.DriverID); err != nil {
				return err
			}
		}
		return tx.InsertVehicle(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("vehicle registered", "vehicle_id", v.ID, "plate", v.Plate)
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "register", EntityType: "vehicle", EntityID: v.ID, After: v})
	if v.DriverID != nil {
		r.vehicleAvailable(ctx)
	}
	return v, nil
}

// AssignVehicleDriver links driverID to a vehicle, or unlinks it when
// driverID is nil. A vehicle that is in_use keeps its driver.
func (r *Registry) AssignVehicleDriver(ctx context.Context, actorID, vehicleID int64, driverID *int64) (*models.Vehicle, error) {
	var before, after *models.Vehicle
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		v, err := tx.GetVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if v.Status == models.VehicleInUse {
			return fmt.Errorf("%w: vehicle %d is in use", models.ErrConflict, vehicleID)
		}
		if driverID != nil {
			if err := requireDriver(ctx, tx, *driverID); err != nil {
				return err
			}
		}
		before = &models.Vehicle{}
		*before = *v
		v.DriverID = driverID
		if err := tx.UpdateVehicle(ctx, v); err != nil {
			return err
		}
		after = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "assign_driver", EntityType: "vehicle", EntityID: vehicleID, Before: before, After: after})
	if driverID != nil && after.Status == models.VehicleAvailable {
		r.vehicleAvailable(ctx)
	}
	return after, nil
}

// SetVehicleStatus moves a vehicle between available, maintenance and
// retired. in_use is owned by the booking lifecycle and cannot be set or left
// from here.
func (r *Registry) SetVehicleStatus(ctx context.Context, actorID, vehicleID int64, status models.VehicleStatus) (*models.Vehicle, error) {
	if !status.IsValid() || status == models.VehicleInUse {
		return nil, fmt.Errorf("%w: vehicle status %q cannot be set directly", models.ErrValidation, status)
	}
	var before models.VehicleStatus
	var after *models.Vehicle
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		v, err := tx.GetVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		if v.Status == models.VehicleInUse {
			return fmt.Errorf("%w: vehicle %d is in use", models.ErrConflict, vehicleID)
		}
		before = v.Status
		ok, err := tx.SetVehicleStatusIf(ctx, vehicleID, v.Status, status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: vehicle %d changed concurrently", models.ErrConflict, vehicleID)
		}
		v.Status = status
		after = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("vehicle status changed", "vehicle_id", vehicleID, "from", before, "to", status)
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "set_status", EntityType: "vehicle", EntityID: vehicleID, Before: before, After: status})
	if status == models.VehicleAvailable && before != models.VehicleAvailable {
		r.vehicleAvailable(ctx)
	}
	return after, nil
}

type LocationInput struct {
	Name  string              `json:"name"`
	Coord models.Coord        `json:"coord"`
	Kind  models.LocationKind `json:"kind"`
}

func (r *Registry) CreateLocation(ctx context.Context, actorID int64, in LocationInput) (*models.Location, error) {
	l, err := in.location()
	if err != nil {
		return nil, err
	}
	l.Status = models.LocationActive
	l.CreatedAt = time.Now().UTC()
	if err := r.store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertLocation(ctx, l) }); err != nil {
		return nil, err
	}
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "create", EntityType: "location", EntityID: l.ID, After: l})
	return l, nil
}

// UpdateLocation edits a stop that no booking references yet. Once a booking
// points at a stop its name and coordinate are part of that booking's
// history, so the admin has to deactivate it and create a new one instead.
func (r *Registry) UpdateLocation(ctx context.Context, actorID, locationID int64, in LocationInput) (*models.Location, error) {
	next, err := in.location()
	if err != nil {
		return nil, err
	}
	var before *models.Location
	err = r.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetLocation(ctx, locationID)
		if err != nil {
			return err
		}
		before = cur
		next.ID, next.Status, next.CreatedAt = cur.ID, cur.Status, cur.CreatedAt
		// Write first so the row lock is held while bookings are counted.
		if err := tx.UpdateLocation(ctx, next); err != nil {
			return err
		}
		n, err := tx.CountBookingsAtLocation(ctx, locationID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: location %d is used by %d bookings", models.ErrConflict, locationID, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "update", EntityType: "location", EntityID: locationID, Before: before, After: next})
	return next, nil
}

func (in LocationInput) location() (*models.Location, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if !geo.ValidCoord(in.Coord) {
		return nil, fmt.Errorf("%w: coordinate out of range", models.ErrValidation)
	}
	kind := in.Kind
	if kind == "" {
		kind = models.KindBoth
	}
	switch kind {
	case models.KindPickup, models.KindDrop, models.KindBoth:
	default:
		return nil, fmt.Errorf("%w: unknown location kind %q", models.ErrValidation, kind)
	}
	return &models.Location{Name: name, Coord: in.Coord, Kind: kind}, nil
}

// DeactivateLocation soft-deletes a stop so existing bookings still resolve it.
func (r *Registry) DeactivateLocation(ctx context.Context, actorID, locationID int64) error {
	var before models.LocationStatus
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		l, err := tx.GetLocation(ctx, locationID)
		if err != nil {
			return err
		}
		before = l.Status
		return tx.SetLocationStatus(ctx, locationID, models.LocationInactive)
	})
	if err != nil {
		return err
	}
	r.audit.Record(ctx, audit.Entry{ActorID: actorID, Action: "deactivate", EntityType: "location", EntityID: locationID, Before: before, After: models.LocationInactive})
	return nil
}

func (r *Registry) ListActiveLocations(ctx context.Context) ([]models.Location, error) {
	var out []models.Location
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListActiveLocations(ctx)
		return err
	})
	return out, err
}

func (r *Registry) vehicleAvailable(ctx context.Context) {
	if r.OnVehicleAvailable != nil {
		r.OnVehicleAvailable(context.WithoutCancel(ctx))
	}
}

func requireDriver(ctx context.Context, tx storage.Tx, id int64) error {
	u, err := tx.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u.Role != models.RoleDriver {
		return fmt.Errorf("%w: user %d is not a driver", models.ErrValidation, id)
	}
	return nil
}
