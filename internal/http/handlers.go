package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/shuttle-dispatch/internal/booking"
	"github.com/example/shuttle-dispatch/internal/fleet"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/trip"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.Auth.IssueSession(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Auth.Revoke(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	u, err := s.Auth.CurrentUser(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.Fleet.ListActiveLocations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var in booking.CreateInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.CreateBooking(r.Context(), p.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	out, err := s.Bookings.ListRiderBookings(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetBooking hides bookings the caller is not party to behind a 404.
func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.GetBooking(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	visible := p.Role == models.RoleAdmin || b.RiderID == p.UserID || (b.DriverID != nil && *b.DriverID == p.UserID)
	if !visible {
		s.writeError(w, r, fmt.Errorf("%w: booking %d", models.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.CancelBooking(r.Context(), p.UserID, id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type ratingRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review,omitempty"`
}

func (s *Server) handleRateBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ratingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.RateBooking(r.Context(), p.UserID, id, req.Rating, req.Review)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDriverBookings(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	out, err := s.Bookings.ListDriverBookings(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := models.ParseBookingStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.TransitionBooking(r.Context(), p.UserID, id, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var in trip.SampleInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample, err := s.Tracker.RecordDriverLocation(r.Context(), p.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

func (s *Server) handleCurrentLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "driver_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sample, err := s.Tracker.CurrentLocation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var in fleet.LocationInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.Fleet.CreateLocation(r.Context(), p.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in fleet.LocationInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.Fleet.UpdateLocation(r.Context(), p.UserID, id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleDeactivateLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Fleet.DeactivateLocation(r.Context(), p.UserID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var in fleet.VehicleInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.Fleet.RegisterVehicle(r.Context(), p.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleVehicleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.Fleet.SetVehicleStatus(r.Context(), p.UserID, id, models.VehicleStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type vehicleDriverRequest struct {
	DriverID *int64 `json:"driver_id"`
}

func (s *Server) handleVehicleDriver(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req vehicleDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.Fleet.AssignVehicleDriver(r.Context(), p.UserID, id, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAssignBooking(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.AssignBooking(r.Context(), p.UserID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// adminBookingLimit caps the admin booking list.
const adminBookingLimit = 100

func (s *Server) handleAdminBookings(w http.ResponseWriter, r *http.Request) {
	status := models.BookingStatus(r.URL.Query().Get("status"))
	out, err := s.Bookings.ListBookings(r.Context(), status, adminBookingLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

// handleListUsers lists rider accounts unless another role is asked for.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	role := models.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = models.RoleRider
	}
	out, err := s.Auth.ListUsers(r.Context(), role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserBookings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Bookings.RiderHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

type removeUserResponse struct {
	UserID            int64 `json:"user_id"`
	CancelledBookings int   `json:"cancelled_bookings"`
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.Bookings.RemoveRiderAccount(r.Context(), p.UserID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removeUserResponse{UserID: id, CancelledBookings: len(cancelled)})
}

func nonNil(b []models.Booking) []models.Booking {
	if b == nil {
		return []models.Booking{}
	}
	return b
}
