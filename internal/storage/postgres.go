package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/shuttle-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("ping", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", p.db.PingContext(ctx))
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return classify("commit", tx.Commit())
}

// classify wraps connection-class failures in models.ErrStorageUnavailable so
// callers can tell an outage apart from a rejected request.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %s: %v", models.ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08 connection exception, 57P0x operator intervention
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}
	return false
}

func uniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr, true
	}
	return nil, false
}

type pgTx struct {
	tx *sql.Tx
}

// --- users & sessions ---

const userColumns = `id, email, name, phone, role, status, password_hash, created_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.Role, &u.Status, &u.PasswordHash, &u.CreatedAt, &u.LastLogin); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return u, nil
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", email)
	}
	if err != nil {
		return nil, classify("get user by email", err)
	}
	return u, nil
}

func (t *pgTx) InsertUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO users (email, name, phone, role, status, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		u.Email, u.Name, u.Phone, u.Role, u.Status, u.PasswordHash, u.CreatedAt,
	).Scan(&u.ID)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("%w: email %s already registered", models.ErrConflict, u.Email)
	}
	return classify("insert user", err)
}

func (t *pgTx) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, id)
	return classify("touch last login", err)
}

func (t *pgTx) InsertSession(ctx context.Context, s *models.Session) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		s.Token, s.UserID, s.ExpiresAt, s.CreatedAt)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("%w: session token collision", models.ErrConflict)
	}
	return classify("insert session", err)
}

func (t *pgTx) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	err := t.tx.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = $1`, token,
	).Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", "token")
	}
	if err != nil {
		return nil, classify("get session", err)
	}
	return &s, nil
}

func (t *pgTx) DeleteSession(ctx context.Context, token string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return classify("delete session", err)
}

func (t *pgTx) ListUsers(ctx context.Context, role models.Role) ([]models.User, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE $1::text = '' OR role = $1 ORDER BY created_at DESC, id DESC`, role)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()

	out := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify("scan user", err)
		}
		out = append(out, *u)
	}
	return out, classify("list users", rows.Err())
}

func (t *pgTx) SetUserStatus(ctx context.Context, id int64, status models.AccountStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE users SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return classify("set user status", err)
	}
	return requireRow(res, "user", id)
}

func (t *pgTx) DeleteUserSessions(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return classify("delete user sessions", err)
}

// --- locations ---

const locationColumns = `id, name, lat, lon, kind, status, created_at`

func scanLocation(row interface{ Scan(...any) error }) (*models.Location, error) {
	var l models.Location
	if err := row.Scan(&l.ID, &l.Name, &l.Coord.Lat, &l.Coord.Lon, &l.Kind, &l.Status, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) GetLocation(ctx context.Context, id int64) (*models.Location, error) {
	// FOR SHARE keeps the stop from being deactivated while a booking references it.
	l, err := scanLocation(t.tx.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1 FOR SHARE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("location", id)
	}
	if err != nil {
		return nil, classify("get location", err)
	}
	return l, nil
}

func (t *pgTx) ListActiveLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE status = $1 ORDER BY name`, models.LocationActive)
	if err != nil {
		return nil, classify("list locations", err)
	}
	defer rows.Close()

	out := []models.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, classify("scan location", err)
		}
		out = append(out, *l)
	}
	return out, classify("list locations", rows.Err())
}

func (t *pgTx) InsertLocation(ctx context.Context, l *models.Location) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO locations (name, lat, lon, kind, status, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		l.Name, l.Coord.Lat, l.Coord.Lon, l.Kind, l.Status, l.CreatedAt,
	).Scan(&l.ID)
	return classify("insert location", err)
}

func (t *pgTx) SetLocationStatus(ctx context.Context, id int64, status models.LocationStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE locations SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return classify("set location status", err)
	}
	return requireRow(res, "location", id)
}

func (t *pgTx) UpdateLocation(ctx context.Context, l *models.Location) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE locations SET name = $1, lat = $2, lon = $3, kind = $4 WHERE id = $5`,
		l.Name, l.Coord.Lat, l.Coord.Lon, l.Kind, l.ID)
	if err != nil {
		return classify("update location", err)
	}
	return requireRow(res, "location", l.ID)
}

func (t *pgTx) CountBookingsAtLocation(ctx context.Context, id int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM bookings WHERE from_location_id = $1 OR to_location_id = $1`, id).Scan(&n)
	return n, classify("count bookings at location", err)
}

// --- vehicles ---

const vehicleColumns = `id, plate, capacity, status, driver_id, created_at, updated_at`

func (t *pgTx) GetVehicle(ctx context.Context, id int64) (*models.Vehicle, error) {
	var v models.Vehicle
	err := t.tx.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1 FOR UPDATE`, id).
		Scan(&v.ID, &v.Plate, &v.Capacity, &v.Status, &v.DriverID, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("vehicle", id)
	}
	if err != nil {
		return nil, classify("get vehicle", err)
	}
	return &v, nil
}

func (t *pgTx) InsertVehicle(ctx context.Context, v *models.Vehicle) error {
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO vehicles (plate, capacity, status, driver_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		v.Plate, v.Capacity, v.Status, v.DriverID, v.CreatedAt, v.UpdatedAt,
	).Scan(&v.ID)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("%w: plate %s already registered", models.ErrConflict, v.Plate)
	}
	return classify("insert vehicle", err)
}

func (t *pgTx) UpdateVehicle(ctx context.Context, v *models.Vehicle) error {
	v.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`UPDATE vehicles SET plate = $1, capacity = $2, status = $3, driver_id = $4, updated_at = $5 WHERE id = $6`,
		v.Plate, v.Capacity, v.Status, v.DriverID, v.UpdatedAt, v.ID)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("%w: plate %s already registered", models.ErrConflict, v.Plate)
	}
	if err != nil {
		return classify("update vehicle", err)
	}
	return requireRow(res, "vehicle", v.ID)
}

func (t *pgTx) ListEligiblePairs(ctx context.Context) ([]models.Pair, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT u.id, v.id
		   FROM vehicles v
		   JOIN users u ON u.id = v.driver_id
		  WHERE v.status = $1 AND u.role = $2 AND u.status = $3
		  ORDER BY u.id, v.id`,
		models.VehicleAvailable, models.RoleDriver, models.AccountActive)
	if err != nil {
		return nil, classify("list eligible pairs", err)
	}
	defer rows.Close()

	var out []models.Pair
	for rows.Next() {
		var p models.Pair
		if err := rows.Scan(&p.DriverID, &p.VehicleID); err != nil {
			return nil, classify("scan pair", err)
		}
		out = append(out, p)
	}
	return out, classify("list eligible pairs", rows.Err())
}

func (t *pgTx) CountVehiclesInUse(ctx context.Context, driverID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM vehicles WHERE driver_id = $1 AND status = $2`,
		driverID, models.VehicleInUse).Scan(&n)
	return n, classify("count vehicles in use", err)
}

func (t *pgTx) SetVehicleStatusIf(ctx context.Context, id int64, from, to models.VehicleStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE vehicles SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, classify("set vehicle status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("vehicle rows affected", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vehicles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, classify("vehicle exists", err)
	}
	if !exists {
		return false, notFound("vehicle", id)
	}
	return false, nil
}

// --- bookings ---

const bookingColumns = `id, code, rider_id, from_location_id, to_location_id, passenger_count, notes, status,
	driver_id, vehicle_id, estimated_distance, actual_distance, created_at, updated_at,
	accepted_at, arriving_at, started_at, completed_at, cancelled_at, cancelled_by,
	cancellation_reason, rating, review`

func scanBooking(row interface{ Scan(...any) error }) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(&b.ID, &b.Code, &b.RiderID, &b.FromLocationID, &b.ToLocationID, &b.PassengerCount, &b.Notes, &b.Status,
		&b.DriverID, &b.VehicleID, &b.EstimatedDistance, &b.ActualDistance, &b.CreatedAt, &b.UpdatedAt,
		&b.AcceptedAt, &b.ArrivingAt, &b.StartedAt, &b.CompletedAt, &b.CancelledAt, &b.CancelledBy,
		&b.CancellationReason, &b.Rating, &b.Review)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b *models.Booking) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO bookings (code, rider_id, from_location_id, to_location_id, passenger_count, notes, status,
		                       driver_id, vehicle_id, estimated_distance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		b.Code, b.RiderID, b.FromLocationID, b.ToLocationID, b.PassengerCount, b.Notes, b.Status,
		b.DriverID, b.VehicleID, b.EstimatedDistance, b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	if pqErr, dup := uniqueViolation(err); dup && pqErr.Constraint == "bookings_code_key" {
		return models.ErrDuplicateCode
	}
	return classify("insert booking", err)
}

func (t *pgTx) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("booking", id)
	}
	if err != nil {
		return nil, classify("get booking", err)
	}
	return b, nil
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *models.Booking, expected models.BookingStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE bookings SET
		    status = $1, driver_id = $2, vehicle_id = $3, actual_distance = $4, updated_at = $5,
		    accepted_at = $6, arriving_at = $7, started_at = $8, completed_at = $9, cancelled_at = $10,
		    cancelled_by = $11, cancellation_reason = $12, rating = $13, review = $14
		  WHERE id = $15 AND status = $16`,
		b.Status, b.DriverID, b.VehicleID, b.ActualDistance, b.UpdatedAt,
		b.AcceptedAt, b.ArrivingAt, b.StartedAt, b.CompletedAt, b.CancelledAt,
		b.CancelledBy, b.CancellationReason, b.Rating, b.Review,
		b.ID, expected)
	if err != nil {
		return false, classify("update booking", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("booking rows affected", err)
	}
	return n == 1, nil
}

func (t *pgTx) OldestPendingBooking(ctx context.Context) (*models.Booking, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE status = $1
		  ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED`, models.StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("oldest pending booking", err)
	}
	return b, nil
}

func (t *pgTx) ListBookingsByRider(ctx context.Context, riderID int64) ([]models.Booking, error) {
	return t.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE rider_id = $1 ORDER BY created_at DESC, id DESC`, riderID)
}

func (t *pgTx) ListBookings(ctx context.Context, status models.BookingStatus, limit int) ([]models.Booking, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return t.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE $1::text = '' OR status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		status, limit)
}

func (t *pgTx) ListActiveBookingsByDriver(ctx context.Context, driverID int64) ([]models.Booking, error) {
	return t.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE driver_id = $1 AND status = ANY($2) ORDER BY created_at DESC, id DESC`,
		driverID, pq.Array([]string{string(models.StatusAccepted), string(models.StatusDriverArriving), string(models.StatusOngoing)}))
}

func (t *pgTx) queryBookings(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list bookings", err)
	}
	defer rows.Close()

	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, classify("scan booking", err)
		}
		out = append(out, *b)
	}
	return out, classify("list bookings", rows.Err())
}

// --- trips ---

const tripColumns = `id, booking_id, driver_id, vehicle_id, start_time, end_time, distance_km, status`

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	var tr models.Trip
	if err := row.Scan(&tr.ID, &tr.BookingID, &tr.DriverID, &tr.VehicleID, &tr.StartTime, &tr.EndTime, &tr.DistanceKm, &tr.Status); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) InsertTrip(ctx context.Context, tr *models.Trip) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO trips (booking_id, driver_id, vehicle_id, start_time, end_time, distance_km, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		tr.BookingID, tr.DriverID, tr.VehicleID, tr.StartTime, tr.EndTime, tr.DistanceKm, tr.Status,
	).Scan(&tr.ID)
	if pqErr, dup := uniqueViolation(err); dup {
		if pqErr.Constraint == "trips_one_ongoing_per_driver" {
			return fmt.Errorf("%w: driver %d already has an ongoing trip", models.ErrConflict, tr.DriverID)
		}
		return fmt.Errorf("%w: booking already has a trip", models.ErrConflict)
	}
	return classify("insert trip", err)
}

func (t *pgTx) OngoingTripForDriver(ctx context.Context, driverID int64) (*models.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE driver_id = $1 AND status = $2 FOR UPDATE`,
		driverID, models.TripOngoing))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("ongoing trip for driver", driverID)
	}
	if err != nil {
		return nil, classify("ongoing trip", err)
	}
	return tr, nil
}

func (t *pgTx) OpenTripForBooking(ctx context.Context, bookingID, driverID int64) (*models.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE booking_id = $1 AND driver_id = $2 AND status = $3 FOR UPDATE`,
		bookingID, driverID, models.TripOngoing))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("open trip for booking", bookingID)
	}
	if err != nil {
		return nil, classify("open trip", err)
	}
	return tr, nil
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr *models.Trip) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE trips SET end_time = $1, distance_km = $2, status = $3 WHERE id = $4`,
		tr.EndTime, tr.DistanceKm, tr.Status, tr.ID)
	if err != nil {
		return classify("update trip", err)
	}
	return requireRow(res, "trip", tr.ID)
}

// --- samples ---

const sampleColumns = `id, trip_id, driver_id, lat, lon, speed, heading, accuracy, altitude, recorded_at`

func scanSample(row interface{ Scan(...any) error }) (*models.LocationSample, error) {
	var s models.LocationSample
	if err := row.Scan(&s.ID, &s.TripID, &s.DriverID, &s.Coord.Lat, &s.Coord.Lon, &s.Speed, &s.Heading, &s.Accuracy, &s.Altitude, &s.Timestamp); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) InsertSample(ctx context.Context, s *models.LocationSample) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO location_samples (trip_id, driver_id, lat, lon, speed, heading, accuracy, altitude, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		s.TripID, s.DriverID, s.Coord.Lat, s.Coord.Lon, s.Speed, s.Heading, s.Accuracy, s.Altitude, s.Timestamp,
	).Scan(&s.ID)
	return classify("insert sample", err)
}

func (t *pgTx) LastSampleForTrip(ctx context.Context, tripID int64) (*models.LocationSample, error) {
	s, err := scanSample(t.tx.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM location_samples WHERE trip_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT 1`, tripID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("last trip sample", err)
	}
	return s, nil
}

func (t *pgTx) LatestSampleForDriver(ctx context.Context, driverID int64) (*models.LocationSample, error) {
	s, err := scanSample(t.tx.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM location_samples WHERE driver_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("location sample for driver", driverID)
	}
	if err != nil {
		return nil, classify("latest driver sample", err)
	}
	return s, nil
}

// --- notifications ---

func (t *pgTx) InsertNotification(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, title, message, kind, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		n.UserID, n.Title, n.Message, n.Kind, n.Priority, n.CreatedAt,
	).Scan(&n.ID)
	return classify("insert notification", err)
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(entity+" rows affected", err)
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
