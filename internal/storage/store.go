package storage

import (
	"context"

	"github.com/example/shuttle-dispatch/internal/models"
)

// Store is the transactional record store. Every write happens inside
// WithTx; if fn returns an error nothing it wrote survives.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of record operations available inside one transaction.
// Lookups of a missing row return an error wrapping models.ErrNotFound.
type Tx interface {
	UserStore
	LocationStore
	VehicleStore
	BookingStore
	TripStore
	SampleStore
	InsertNotification(ctx context.Context, n *models.Notification) error
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	InsertUser(ctx context.Context, u *models.User) error
	TouchLastLogin(ctx context.Context, id int64) error
	InsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	// ListUsers returns users newest first; an empty role matches every role.
	ListUsers(ctx context.Context, role models.Role) ([]models.User, error)
	SetUserStatus(ctx context.Context, id int64, status models.AccountStatus) error
	DeleteUserSessions(ctx context.Context, userID int64) error
}

type LocationStore interface {
	GetLocation(ctx context.Context, id int64) (*models.Location, error)
	ListActiveLocations(ctx context.Context) ([]models.Location, error)
	InsertLocation(ctx context.Context, l *models.Location) error
	SetLocationStatus(ctx context.Context, id int64, status models.LocationStatus) error
	// UpdateLocation rewrites name, coordinate and kind.
	UpdateLocation(ctx context.Context, l *models.Location) error
	// CountBookingsAtLocation counts bookings using id as pickup or drop-off.
	CountBookingsAtLocation(ctx context.Context, id int64) (int, error)
}

type VehicleStore interface {
	GetVehicle(ctx context.Context, id int64) (*models.Vehicle, error)
	InsertVehicle(ctx context.Context, v *models.Vehicle) error
	UpdateVehicle(ctx context.Context, v *models.Vehicle) error
	// ListEligiblePairs returns every (driver, vehicle) link where the user
	// is an active driver and the vehicle is available, ordered by driver id
	// then vehicle id.
	ListEligiblePairs(ctx context.Context) ([]models.Pair, error)
	// CountVehiclesInUse counts vehicles in_use that are linked to driverID.
	CountVehiclesInUse(ctx context.Context, driverID int64) (int, error)
	// SetVehicleStatusIf moves a vehicle from one status to another and
	// reports false when the vehicle was not in the expected status.
	SetVehicleStatusIf(ctx context.Context, id int64, from, to models.VehicleStatus) (bool, error)
}

type BookingStore interface {
	// InsertBooking returns models.ErrDuplicateCode when the code is taken.
	InsertBooking(ctx context.Context, b *models.Booking) error
	// GetBooking reads a booking and locks it for the rest of the transaction.
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	// UpdateBooking writes b only if the stored status still equals expected;
	// otherwise it reports false.
	UpdateBooking(ctx context.Context, b *models.Booking, expected models.BookingStatus) (bool, error)
	// OldestPendingBooking returns nil, nil when no booking is pending.
	OldestPendingBooking(ctx context.Context) (*models.Booking, error)
	ListBookingsByRider(ctx context.Context, riderID int64) ([]models.Booking, error)
	// ListBookings returns at most limit bookings newest first; an empty
	// status matches every status.
	ListBookings(ctx context.Context, status models.BookingStatus, limit int) ([]models.Booking, error)
	ListActiveBookingsByDriver(ctx context.Context, driverID int64) ([]models.Booking, error)
}

type TripStore interface {
	// InsertTrip returns an error wrapping models.ErrConflict when the
	// driver already has an ongoing trip.
	InsertTrip(ctx context.Context, t *models.Trip) error
	OngoingTripForDriver(ctx context.Context, driverID int64) (*models.Trip, error)
	OpenTripForBooking(ctx context.Context, bookingID, driverID int64) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
}

type SampleStore interface {
	InsertSample(ctx context.Context, s *models.LocationSample) error
	// LastSampleForTrip returns nil, nil when the trip has no samples.
	LastSampleForTrip(ctx context.Context, tripID int64) (*models.LocationSample, error)
	LatestSampleForDriver(ctx context.Context, driverID int64) (*models.LocationSample, error)
}
