package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/auth"
	"github.com/example/shuttle-dispatch/internal/booking"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/events"
	"github.com/example/shuttle-dispatch/internal/fanout"
	"github.com/example/shuttle-dispatch/internal/fleet"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
	"github.com/example/shuttle-dispatch/internal/trip"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	t     *testing.T
	store *storage.MemoryStore
	hub   *fanout.Hub
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := events.NewBus(64, discardLog)
	hub := fanout.NewHub(time.Second, discardLog)
	bus.Subscribe(hub.HandleEvent)
	bus.Start(context.Background())

	recorder := trip.NewRecorder()
	bookings := booking.NewService(store, dispatch.NewEngine(discardLog), recorder, bus, audit.Discard{}, discardLog)
	reg := fleet.NewRegistry(store, audit.Discard{}, discardLog)
	reg.OnVehicleAvailable = bookings.Redispatch

	srv := NewServer(Deps{
		Store:    store,
		Auth:     auth.NewStoreProvider(store, audit.Discard{}, discardLog, "student.uisi.ac.id", time.Hour),
		Bookings: bookings,
		Fleet:    reg,
		Tracker:  trip.NewTracker(store, recorder, bus, discardLog),
		Hub:      hub,
	}, discardLog)
	h := &harness{t: t, store: store, hub: hub, srv: httptest.NewServer(srv)}
	t.Cleanup(func() {
		h.srv.Close()
		bus.Close()
	})
	return h
}

func (h *harness) staff(email, password string, role models.Role) {
	h.t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(h.t, err)
	u := &models.User{Email: email, Role: role, Status: models.AccountActive, PasswordHash: hash}
	require.NoError(h.t, h.store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertUser(context.Background(), u)
	}))
}

func (h *harness) login(email, password string) (string, int64) {
	h.t.Helper()
	var out loginResponse
	status := h.do(http.MethodPost, "/api/auth/login", "", loginRequest{Email: email, Password: password}, &out)
	require.Equal(h.t, http.StatusOK, status)
	return out.Token, out.User.ID
}

func (h *harness) do(method, path, token string, body, out any) int {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// campus seeds an admin, two stops and a driver with a vehicle through the
// admin API and returns the tokens.
func (h *harness) campus() (admin, driver string, driverID, from, to int64) {
	h.staff("admin@uisi.ac.id", "admin123", models.RoleAdmin)
	h.staff("driver@uisi.ac.id", "driver123", models.RoleDriver)
	admin, _ = h.login("admin@uisi.ac.id", "admin123")
	driver, driverID = h.login("driver@uisi.ac.id", "driver123")

	var a, b models.Location
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/api/admin/locations", admin, fleet.LocationInput{Name: "Rektorat", Coord: models.Coord{Lat: -7.1566, Lon: 112.6555}}, &a))
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/api/admin/locations", admin, fleet.LocationInput{Name: "Asrama", Coord: models.Coord{Lat: -7.1621, Lon: 112.6510}}, &b))
	var v models.Vehicle
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/api/admin/vehicles", admin, fleet.VehicleInput{Plate: "W 1 UI", Capacity: 7, DriverID: &driverID}, &v))
	return admin, driver, driverID, a.ID, b.ID
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	_, driver, driverID, from, to := h.campus()
	rider, _ := h.login("budi@student.uisi.ac.id", "")

	var b models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", rider, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 2}, &b))
	assert.Equal(t, models.StatusAccepted, b.Status)
	require.NotNil(t, b.DriverID)
	assert.Equal(t, driverID, *b.DriverID)

	var mine []models.Booking
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/driver/bookings", driver, nil, &mine))
	require.Len(t, mine, 1)

	statusPath := fmt.Sprintf("/api/driver/bookings/%d/status", b.ID)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPut, statusPath, driver, statusRequest{Status: "completed"}, nil))
	for _, s := range []string{"driver_arriving", "ongoing"} {
		require.Equal(t, http.StatusOK, h.do(http.MethodPut, statusPath, driver, statusRequest{Status: s}, &b), s)
	}

	loc := trip.SampleInput{Coord: models.Coord{Lat: -7.1570, Lon: 112.6550}, Speed: 8}
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/driver/location", driver, loc, nil))
	loc.Coord = models.Coord{Lat: -7.1600, Lon: 112.6520}
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/driver/location", driver, loc, nil))

	var current models.LocationSample
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/api/driver/current-location/%d", driverID), rider, nil, &current))
	assert.InDelta(t, -7.16, current.Coord.Lat, 1e-9)

	require.Equal(t, http.StatusOK, h.do(http.MethodPut, statusPath, driver, statusRequest{Status: "completed"}, &b))
	require.NotNil(t, b.ActualDistance)
	assert.Greater(t, *b.ActualDistance, 0.0)

	ratePath := fmt.Sprintf("/api/bookings/%d/rating", b.ID)
	require.Equal(t, http.StatusOK, h.do(http.MethodPut, ratePath, rider, ratingRequest{Rating: 5, Review: "on time"}, &b))
	assert.Equal(t, 5, *b.Rating)
}

func TestCancelAndVisibility(t *testing.T) {
	h := newHarness(t)
	_, _, _, from, to := h.campus()
	rider, _ := h.login("ani@student.uisi.ac.id", "")
	other, _ := h.login("eko@student.uisi.ac.id", "")

	var b models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", rider, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b))

	path := fmt.Sprintf("/api/bookings/%d", b.ID)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, path, other, nil, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPut, path+"/cancel", other, nil, nil))

	require.Equal(t, http.StatusOK, h.do(http.MethodPut, path+"/cancel", rider, cancelRequest{Reason: "class moved"}, &b))
	assert.Equal(t, models.StatusCancelled, b.Status)
	assert.Equal(t, "class moved", b.CancellationReason)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPut, path+"/cancel", rider, nil, nil))
}

func TestAccessControl(t *testing.T) {
	h := newHarness(t)
	_, driver, _, from, to := h.campus()
	rider, _ := h.login("sari@student.uisi.ac.id", "")

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/bookings/my", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/bookings/my", "bogus", nil, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/admin/vehicles", rider, fleet.VehicleInput{Plate: "X", Capacity: 1}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/bookings", driver, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/driver/location", rider, trip.SampleInput{}, nil))

	require.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/api/auth/logout", rider, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/bookings/my", rider, nil, nil))
}

func TestAdminAssignWithoutFreeVehicle(t *testing.T) {
	h := newHarness(t)
	admin, _, _, from, to := h.campus()
	first, _ := h.login("a@student.uisi.ac.id", "")
	second, _ := h.login("b@student.uisi.ac.id", "")

	var b1, b2 models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", first, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b1))
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", second, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b2))
	assert.Equal(t, models.StatusPending, b2.Status)

	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, fmt.Sprintf("/api/admin/bookings/%d/assign", b2.ID), admin, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/admin/bookings/999/assign", admin, nil, nil))
}

func TestAuthMe(t *testing.T) {
	h := newHarness(t)
	rider, id := h.login("rina@student.uisi.ac.id", "")

	var me models.User
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/auth/me", rider, nil, &me))
	assert.Equal(t, id, me.ID)
	assert.Equal(t, models.RoleRider, me.Role)
	assert.Equal(t, "rina@student.uisi.ac.id", me.Email)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/auth/me", "", nil, nil))
}

func TestAdminRemovesRiderAccount(t *testing.T) {
	h := newHarness(t)
	admin, driver, driverID, from, to := h.campus()
	rider, riderID := h.login("joko@student.uisi.ac.id", "")
	waiting, _ := h.login("lina@student.uisi.ac.id", "")

	var b, queued models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", rider, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b))
	require.Equal(t, models.StatusAccepted, b.Status)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", waiting, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &queued))
	require.Equal(t, models.StatusPending, queued.Status)

	var riders []models.User
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/admin/users", admin, nil, &riders))
	require.Len(t, riders, 2)
	for _, u := range riders {
		assert.Equal(t, models.RoleRider, u.Role)
	}
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/admin/users?role=pilot", admin, nil, nil))

	var history []models.Booking
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/api/admin/users/%d/bookings", riderID), admin, nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, b.ID, history[0].ID)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, fmt.Sprintf("/api/admin/users/%d/bookings", driverID), admin, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/admin/users/999/bookings", admin, nil, nil))

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", driverID), admin, nil, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", riderID), rider, nil, nil))

	var removed removeUserResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", riderID), admin, nil, &removed))
	assert.Equal(t, 1, removed.CancelledBookings)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/auth/me", rider, nil, nil))

	var got models.Booking
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/api/bookings/%d", b.ID), admin, nil, &got))
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "User account deleted", got.CancellationReason)

	var mine []models.Booking
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/driver/bookings", driver, nil, &mine))
	require.Len(t, mine, 1, "the released vehicle is offered to the queued booking")
	assert.Equal(t, queued.ID, mine[0].ID)
}

func TestAdminBookingListAndLocationEdit(t *testing.T) {
	h := newHarness(t)
	admin, _, _, from, to := h.campus()
	rider, _ := h.login("tono@student.uisi.ac.id", "")

	var spare models.Location
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/admin/locations", admin, fleet.LocationInput{Name: "Masjid", Coord: models.Coord{Lat: -7.158, Lon: 112.654}}, &spare))

	var b models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", rider, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b))

	var all, pending []models.Booking
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/admin/bookings", admin, nil, &all))
	require.Len(t, all, 1)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/admin/bookings?status=pending", admin, nil, &pending))
	assert.Empty(t, pending)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/admin/bookings?status=lost", admin, nil, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/admin/bookings", rider, nil, nil))

	var moved models.Location
	require.Equal(t, http.StatusOK, h.do(http.MethodPut, fmt.Sprintf("/api/admin/locations/%d", spare.ID), admin, fleet.LocationInput{Name: "Masjid Kampus", Coord: models.Coord{Lat: -7.159, Lon: 112.655}}, &moved))
	assert.Equal(t, "Masjid Kampus", moved.Name)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPut, fmt.Sprintf("/api/admin/locations/%d", from), admin, fleet.LocationInput{Name: "Elsewhere", Coord: models.Coord{Lat: -7.2, Lon: 112.7}}, nil))
}

func TestTrackingSocketReceivesTargetedOffer(t *testing.T) {
	h := newHarness(t)
	_, driver, _, from, to := h.campus()
	rider, _ := h.login("dewi@student.uisi.ac.id", "")

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/tracking?token=" + driver
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	observer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws/tracking", nil)
	require.NoError(t, err)
	defer observer.Close()

	require.Eventually(t, func() bool { return h.hub.Len() == 2 }, time.Second, 10*time.Millisecond)

	var b models.Booking
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/bookings", rider, booking.CreateInput{FromLocationID: from, ToLocationID: to, PassengerCount: 1}, &b))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e models.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, models.EventNewBooking, e.Type)
	assert.Equal(t, b.ID, e.BookingID)

	require.NoError(t, observer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	assert.Error(t, observer.ReadJSON(&e), "anonymous subscribers do not receive targeted offers")
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrValidation, http.StatusBadRequest},
		{models.ErrUnauthorized, http.StatusUnauthorized},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrDuplicateCode, http.StatusConflict},
		{models.ErrNoActiveTrip, http.StatusConflict},
		{models.ErrUnavailable, http.StatusServiceUnavailable},
		{models.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", models.ErrForbidden), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "", nil, nil))
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "", nil, nil))
	require.NoError(t, h.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/ready", "", nil, nil))
}
