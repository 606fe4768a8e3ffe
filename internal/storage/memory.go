package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

// MemoryStore is an in-process Store. Transactions are serialized by a single
// mutex and every write records an undo step, so a failed transaction is
// rolled back completely.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool
	seq    map[string]int64

	users         map[int64]*models.User
	usersByEmail  map[string]int64
	sessions      map[string]*models.Session
	locations     map[int64]*models.Location
	vehicles      map[int64]*models.Vehicle
	plates        map[string]int64
	bookings      map[int64]*models.Booking
	codes         map[string]int64
	trips         map[int64]*models.Trip
	samples       []*models.LocationSample
	notifications []*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seq:          make(map[string]int64),
		users:        make(map[int64]*models.User),
		usersByEmail: make(map[string]int64),
		sessions:     make(map[string]*models.Session),
		locations:    make(map[int64]*models.Location),
		vehicles:     make(map[int64]*models.Vehicle),
		plates:       make(map[string]int64),
		bookings:     make(map[int64]*models.Booking),
		codes:        make(map[string]int64),
		trips:        make(map[int64]*models.Trip),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: memory store closed", models.ErrStorageUnavailable)
	}
	tx := &memTx{m: m}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.ErrStorageUnavailable
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Notifications returns a copy of every stored notification for userID.
func (m *MemoryStore) Notifications(userID int64) []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	return out
}

// Trips returns a copy of every stored trip ordered by id.
func (m *MemoryStore) Trips() []models.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SampleCount returns the number of stored location samples.
func (m *MemoryStore) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *MemoryStore) next(kind string) int64 {
	m.seq[kind]++
	return m.seq[kind]
}

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) onRollback(f func()) { t.undo = append(t.undo, f) }

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func notFound(entity string, key any) error {
	return fmt.Errorf("%w: %s %v", models.ErrNotFound, entity, key)
}

// --- users & sessions ---

func (t *memTx) GetUser(_ context.Context, id int64) (*models.User, error) {
	u, ok := t.m.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	c := *u
	return &c, nil
}

func (t *memTx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	id, ok := t.m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, notFound("user", email)
	}
	return t.GetUser(ctx, id)
}

func (t *memTx) InsertUser(_ context.Context, u *models.User) error {
	key := strings.ToLower(u.Email)
	if _, dup := t.m.usersByEmail[key]; dup {
		return fmt.Errorf("%w: email %s already registered", models.ErrConflict, u.Email)
	}
	u.ID = t.m.next("user")
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	c := *u
	t.m.users[u.ID] = &c
	t.m.usersByEmail[key] = u.ID
	id := u.ID
	t.onRollback(func() {
		delete(t.m.users, id)
		delete(t.m.usersByEmail, key)
	})
	return nil
}

func (t *memTx) TouchLastLogin(_ context.Context, id int64) error {
	u, ok := t.m.users[id]
	if !ok {
		return notFound("user", id)
	}
	prev := u.LastLogin
	now := time.Now().UTC()
	u.LastLogin = &now
	t.onRollback(func() { u.LastLogin = prev })
	return nil
}

func (t *memTx) InsertSession(_ context.Context, s *models.Session) error {
	if _, dup := t.m.sessions[s.Token]; dup {
		return fmt.Errorf("%w: session token collision", models.ErrConflict)
	}
	c := *s
	t.m.sessions[s.Token] = &c
	token := s.Token
	t.onRollback(func() { delete(t.m.sessions, token) })
	return nil
}

func (t *memTx) GetSession(_ context.Context, token string) (*models.Session, error) {
	s, ok := t.m.sessions[token]
	if !ok {
		return nil, notFound("session", "token")
	}
	c := *s
	return &c, nil
}

func (t *memTx) DeleteSession(_ context.Context, token string) error {
	s, ok := t.m.sessions[token]
	if !ok {
		return nil
	}
	delete(t.m.sessions, token)
	t.onRollback(func() { t.m.sessions[token] = s })
	return nil
}

func (t *memTx) ListUsers(_ context.Context, role models.Role) ([]models.User, error) {
	out := []models.User{}
	for _, u := range t.m.users {
		if role == "" || u.Role == role {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memTx) SetUserStatus(_ context.Context, id int64, status models.AccountStatus) error {
	u, ok := t.m.users[id]
	if !ok {
		return notFound("user", id)
	}
	prev := u.Status
	u.Status = status
	t.onRollback(func() { u.Status = prev })
	return nil
}

func (t *memTx) DeleteUserSessions(_ context.Context, userID int64) error {
	for token, s := range t.m.sessions {
		if s.UserID != userID {
			continue
		}
		delete(t.m.sessions, token)
		t.onRollback(func() { t.m.sessions[token] = s })
	}
	return nil
}

// --- locations ---

func (t *memTx) GetLocation(_ context.Context, id int64) (*models.Location, error) {
	l, ok := t.m.locations[id]
	if !ok {
		return nil, notFound("location", id)
	}
	c := *l
	return &c, nil
}

func (t *memTx) ListActiveLocations(context.Context) ([]models.Location, error) {
	out := make([]models.Location, 0, len(t.m.locations))
	for _, l := range t.m.locations {
		if l.Status == models.LocationActive {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *memTx) InsertLocation(_ context.Context, l *models.Location) error {
	l.ID = t.m.next("location")
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	c := *l
	t.m.locations[l.ID] = &c
	id := l.ID
	t.onRollback(func() { delete(t.m.locations, id) })
	return nil
}

func (t *memTx) SetLocationStatus(_ context.Context, id int64, status models.LocationStatus) error {
	l, ok := t.m.locations[id]
	if !ok {
		return notFound("location", id)
	}
	prev := l.Status
	l.Status = status
	t.onRollback(func() { l.Status = prev })
	return nil
}

func (t *memTx) UpdateLocation(_ context.Context, l *models.Location) error {
	cur, ok := t.m.locations[l.ID]
	if !ok {
		return notFound("location", l.ID)
	}
	prev := *cur
	cur.Name, cur.Coord, cur.Kind = l.Name, l.Coord, l.Kind
	t.onRollback(func() { *cur = prev })
	return nil
}

func (t *memTx) CountBookingsAtLocation(_ context.Context, id int64) (int, error) {
	n := 0
	for _, b := range t.m.bookings {
		if b.FromLocationID == id || b.ToLocationID == id {
			n++
		}
	}
	return n, nil
}

// --- vehicles ---

func (t *memTx) GetVehicle(_ context.Context, id int64) (*models.Vehicle, error) {
	v, ok := t.m.vehicles[id]
	if !ok {
		return nil, notFound("vehicle", id)
	}
	c := *v
	c.DriverID = copyID(v.DriverID)
	return &c, nil
}

func (t *memTx) InsertVehicle(_ context.Context, v *models.Vehicle) error {
	if _, dup := t.m.plates[v.Plate]; dup {
		return fmt.Errorf("%w: plate %s already registered", models.ErrConflict, v.Plate)
	}
	now := time.Now().UTC()
	v.ID = t.m.next("vehicle")
	v.CreatedAt, v.UpdatedAt = now, now
	c := *v
	c.DriverID = copyID(v.DriverID)
	t.m.vehicles[v.ID] = &c
	t.m.plates[v.Plate] = v.ID
	id, plate := v.ID, v.Plate
	t.onRollback(func() {
		delete(t.m.vehicles, id)
		delete(t.m.plates, plate)
	})
	return nil
}

func (t *memTx) UpdateVehicle(_ context.Context, v *models.Vehicle) error {
	cur, ok := t.m.vehicles[v.ID]
	if !ok {
		return notFound("vehicle", v.ID)
	}
	if owner, dup := t.m.plates[v.Plate]; dup && owner != v.ID {
		return fmt.Errorf("%w: plate %s already registered", models.ErrConflict, v.Plate)
	}
	prev := *cur
	c := *v
	c.DriverID = copyID(v.DriverID)
	c.UpdatedAt = time.Now().UTC()
	t.m.vehicles[v.ID] = &c
	delete(t.m.plates, prev.Plate)
	t.m.plates[c.Plate] = c.ID
	t.onRollback(func() {
		delete(t.m.plates, c.Plate)
		t.m.plates[prev.Plate] = prev.ID
		t.m.vehicles[prev.ID] = &prev
	})
	return nil
}

func (t *memTx) ListEligiblePairs(context.Context) ([]models.Pair, error) {
	var out []models.Pair
	for _, v := range t.m.vehicles {
		if v.Status != models.VehicleAvailable || v.DriverID == nil {
			continue
		}
		u, ok := t.m.users[*v.DriverID]
		if !ok || u.Role != models.RoleDriver || u.Status != models.AccountActive {
			continue
		}
		out = append(out, models.Pair{DriverID: u.ID, VehicleID: v.ID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DriverID != out[j].DriverID {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out, nil
}

func (t *memTx) CountVehiclesInUse(_ context.Context, driverID int64) (int, error) {
	n := 0
	for _, v := range t.m.vehicles {
		if v.Status == models.VehicleInUse && v.DriverID != nil && *v.DriverID == driverID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SetVehicleStatusIf(_ context.Context, id int64, from, to models.VehicleStatus) (bool, error) {
	v, ok := t.m.vehicles[id]
	if !ok {
		return false, notFound("vehicle", id)
	}
	if v.Status != from {
		return false, nil
	}
	prevStatus, prevUpdated := v.Status, v.UpdatedAt
	v.Status = to
	v.UpdatedAt = time.Now().UTC()
	t.onRollback(func() {
		v.Status = prevStatus
		v.UpdatedAt = prevUpdated
	})
	return true, nil
}

// --- bookings ---

func (t *memTx) InsertBooking(_ context.Context, b *models.Booking) error {
	if _, dup := t.m.codes[b.Code]; dup {
		return models.ErrDuplicateCode
	}
	b.ID = t.m.next("booking")
	t.m.bookings[b.ID] = b.Clone()
	t.m.codes[b.Code] = b.ID
	id, code := b.ID, b.Code
	t.onRollback(func() {
		delete(t.m.bookings, id)
		delete(t.m.codes, code)
	})
	return nil
}

func (t *memTx) GetBooking(_ context.Context, id int64) (*models.Booking, error) {
	b, ok := t.m.bookings[id]
	if !ok {
		return nil, notFound("booking", id)
	}
	return b.Clone(), nil
}

func (t *memTx) UpdateBooking(_ context.Context, b *models.Booking, expected models.BookingStatus) (bool, error) {
	cur, ok := t.m.bookings[b.ID]
	if !ok {
		return false, notFound("booking", b.ID)
	}
	if cur.Status != expected {
		return false, nil
	}
	t.m.bookings[b.ID] = b.Clone()
	t.onRollback(func() { t.m.bookings[cur.ID] = cur })
	return true, nil
}

func (t *memTx) OldestPendingBooking(context.Context) (*models.Booking, error) {
	var oldest *models.Booking
	for _, b := range t.m.bookings {
		if b.Status != models.StatusPending {
			continue
		}
		if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) ||
			(b.CreatedAt.Equal(oldest.CreatedAt) && b.ID < oldest.ID) {
			oldest = b
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return oldest.Clone(), nil
}

func (t *memTx) ListBookingsByRider(_ context.Context, riderID int64) ([]models.Booking, error) {
	return t.listBookings(func(b *models.Booking) bool { return b.RiderID == riderID }), nil
}

func (t *memTx) ListBookings(_ context.Context, status models.BookingStatus, limit int) ([]models.Booking, error) {
	out := t.listBookings(func(b *models.Booking) bool { return status == "" || b.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListActiveBookingsByDriver(_ context.Context, driverID int64) ([]models.Booking, error) {
	return t.listBookings(func(b *models.Booking) bool {
		return b.DriverID != nil && *b.DriverID == driverID && b.Status.HoldsVehicle()
	}), nil
}

func (t *memTx) listBookings(keep func(*models.Booking) bool) []models.Booking {
	var out []models.Booking
	for _, b := range t.m.bookings {
		if keep(b) {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// --- trips ---

func (t *memTx) InsertTrip(_ context.Context, tr *models.Trip) error {
	for _, existing := range t.m.trips {
		if existing.DriverID == tr.DriverID && existing.Status == models.TripOngoing && tr.Status == models.TripOngoing {
			return fmt.Errorf("%w: driver %d already has ongoing trip %d", models.ErrConflict, tr.DriverID, existing.ID)
		}
		if tr.BookingID != nil && existing.BookingID != nil && *existing.BookingID == *tr.BookingID {
			return fmt.Errorf("%w: booking %d already has trip %d", models.ErrConflict, *tr.BookingID, existing.ID)
		}
	}
	tr.ID = t.m.next("trip")
	t.m.trips[tr.ID] = tr.Clone()
	id := tr.ID
	t.onRollback(func() { delete(t.m.trips, id) })
	return nil
}

func (t *memTx) OngoingTripForDriver(_ context.Context, driverID int64) (*models.Trip, error) {
	for _, tr := range t.m.trips {
		if tr.DriverID == driverID && tr.Status == models.TripOngoing {
			return tr.Clone(), nil
		}
	}
	return nil, notFound("ongoing trip for driver", driverID)
}

func (t *memTx) OpenTripForBooking(_ context.Context, bookingID, driverID int64) (*models.Trip, error) {
	for _, tr := range t.m.trips {
		if tr.BookingID != nil && *tr.BookingID == bookingID && tr.DriverID == driverID && tr.Status == models.TripOngoing {
			return tr.Clone(), nil
		}
	}
	return nil, notFound("open trip for booking", bookingID)
}

func (t *memTx) UpdateTrip(_ context.Context, tr *models.Trip) error {
	cur, ok := t.m.trips[tr.ID]
	if !ok {
		return notFound("trip", tr.ID)
	}
	t.m.trips[tr.ID] = tr.Clone()
	t.onRollback(func() { t.m.trips[cur.ID] = cur })
	return nil
}

// --- samples ---

func (t *memTx) InsertSample(_ context.Context, s *models.LocationSample) error {
	s.ID = t.m.next("sample")
	c := *s
	c.TripID = copyID(s.TripID)
	t.m.samples = append(t.m.samples, &c)
	n := len(t.m.samples) - 1
	t.onRollback(func() { t.m.samples = t.m.samples[:n] })
	return nil
}

func (t *memTx) LastSampleForTrip(_ context.Context, tripID int64) (*models.LocationSample, error) {
	return t.latestSample(func(s *models.LocationSample) bool {
		return s.TripID != nil && *s.TripID == tripID
	}), nil
}

func (t *memTx) LatestSampleForDriver(_ context.Context, driverID int64) (*models.LocationSample, error) {
	s := t.latestSample(func(s *models.LocationSample) bool { return s.DriverID == driverID })
	if s == nil {
		return nil, notFound("location sample for driver", driverID)
	}
	return s, nil
}

func (t *memTx) latestSample(keep func(*models.LocationSample) bool) *models.LocationSample {
	var best *models.LocationSample
	for _, s := range t.m.samples {
		if !keep(s) {
			continue
		}
		if best == nil || !s.Timestamp.Before(best.Timestamp) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	c := *best
	c.TripID = copyID(best.TripID)
	return &c
}

// --- notifications ---

func (t *memTx) InsertNotification(_ context.Context, n *models.Notification) error {
	n.ID = t.m.next("notification")
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	c := *n
	t.m.notifications = append(t.m.notifications, &c)
	k := len(t.m.notifications) - 1
	t.onRollback(func() { t.m.notifications = t.m.notifications[:k] })
	return nil
}

func copyID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
