// Package httpapi exposes the shuttle services over HTTP and the tracking
// websocket.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/shuttle-dispatch/internal/auth"
	"github.com/example/shuttle-dispatch/internal/booking"
	"github.com/example/shuttle-dispatch/internal/fanout"
	"github.com/example/shuttle-dispatch/internal/fleet"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
	"github.com/example/shuttle-dispatch/internal/trip"
)

// Deps are the services the handlers call into.
type Deps struct {
	Store    storage.Store
	Auth     *auth.StoreProvider
	Bookings *booking.Service
	Fleet    *fleet.Registry
	Tracker  *trip.Tracker
	Hub      *fanout.Hub
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		Deps:   deps,
		logger: logger,
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.Handle("/auth/logout", s.authenticated(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)
	api.Handle("/auth/me", s.authenticated(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	api.Handle("/locations", s.authenticated(http.HandlerFunc(s.handleListLocations))).Methods(http.MethodGet)

	rider := func(h http.HandlerFunc) http.Handler {
		return s.authenticated(requireRole(models.RoleRider)(h))
	}
	api.Handle("/bookings", rider(s.handleCreateBooking)).Methods(http.MethodPost)
	api.Handle("/bookings/my", rider(s.handleMyBookings)).Methods(http.MethodGet)
	api.Handle("/bookings/{id:[0-9]+}/cancel", rider(s.handleCancelBooking)).Methods(http.MethodPut)
	api.Handle("/bookings/{id:[0-9]+}/rating", rider(s.handleRateBooking)).Methods(http.MethodPut)
	api.Handle("/bookings/{id:[0-9]+}", s.authenticated(http.HandlerFunc(s.handleGetBooking))).Methods(http.MethodGet)
	api.Handle("/driver/current-location/{driver_id:[0-9]+}", s.authenticated(http.HandlerFunc(s.handleCurrentLocation))).Methods(http.MethodGet)

	driver := api.PathPrefix("/driver").Subrouter()
	driver.Use(s.authenticated, requireRole(models.RoleDriver))
	driver.HandleFunc("/bookings", s.handleDriverBookings).Methods(http.MethodGet)
	driver.HandleFunc("/bookings/{id:[0-9]+}/status", s.handleDriverStatus).Methods(http.MethodPut)
	driver.HandleFunc("/location", s.handleDriverLocation).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.authenticated, requireRole(models.RoleAdmin))
	admin.HandleFunc("/locations", s.handleCreateLocation).Methods(http.MethodPost)
	admin.HandleFunc("/locations/{id:[0-9]+}", s.handleUpdateLocation).Methods(http.MethodPut)
	admin.HandleFunc("/locations/{id:[0-9]+}", s.handleDeactivateLocation).Methods(http.MethodDelete)
	admin.HandleFunc("/vehicles", s.handleRegisterVehicle).Methods(http.MethodPost)
	admin.HandleFunc("/vehicles/{id:[0-9]+}/status", s.handleVehicleStatus).Methods(http.MethodPut)
	admin.HandleFunc("/vehicles/{id:[0-9]+}/driver", s.handleVehicleDriver).Methods(http.MethodPut)
	admin.HandleFunc("/bookings", s.handleAdminBookings).Methods(http.MethodGet)
	admin.HandleFunc("/bookings/{id:[0-9]+}/assign", s.handleAssignBooking).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id:[0-9]+}/bookings", s.handleUserBookings).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleRemoveUser).Methods(http.MethodDelete)

	s.mux.HandleFunc("/ws/tracking", s.handleTrackingWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
