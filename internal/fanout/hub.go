// Package fanout pushes domain events to live websocket subscribers, either
// to everyone or to one driver.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session serializes writes to one connection; gorilla connections allow a
// single concurrent writer.
type session struct {
	conn      Conn
	subjectID int64
	role      models.Role
	mu        sync.Mutex
}

func (s *session) send(v any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(v)
}

// Hub holds every live subscriber plus an index of driver connections for
// targeted delivery.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[Conn]*session
	drivers     map[int64]*session
	sendTimeout time.Duration
	log         *slog.Logger
}

func NewHub(sendTimeout time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		sessions:    make(map[Conn]*session),
		drivers:     make(map[int64]*session),
		sendTimeout: sendTimeout,
		log:         log,
	}
}

// Subscribe registers conn for broadcasts. A driver connection is also
// indexed by subjectID, replacing any older connection for that driver.
func (h *Hub) Subscribe(conn Conn, subjectID int64, role models.Role) {
	s := &session{conn: conn, subjectID: subjectID, role: role}
	h.mu.Lock()
	h.sessions[conn] = s
	if role == models.RoleDriver && subjectID != 0 {
		h.drivers[subjectID] = s
	}
	n := len(h.sessions)
	h.mu.Unlock()
	observability.HubSubscribers.Set(float64(n))
	h.log.Debug("subscriber connected", "subject_id", subjectID, "role", role)
}

// Unsubscribe drops conn from both addressing modes. The driver index entry
// is only removed if it still points at conn.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	s, ok := h.sessions[conn]
	if ok {
		delete(h.sessions, conn)
		if cur, found := h.drivers[s.subjectID]; found && cur == s {
			delete(h.drivers, s.subjectID)
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()
	if ok {
		observability.HubSubscribers.Set(float64(n))
		_ = conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast writes msg to every subscriber in parallel and returns the number
// of successful deliveries. Subscribers whose write fails are disconnected.
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Conn
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := s.send(msg, h.sendTimeout); err != nil {
				h.log.Warn("broadcast send failed", "subject_id", s.subjectID, "error", err)
				mu.Lock()
				failed = append(failed, s.conn)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	for _, c := range failed {
		h.Unsubscribe(c)
	}
	observability.HubDeliveries.WithLabelValues("broadcast", "ok").Add(float64(len(targets) - len(failed)))
	observability.HubDeliveries.WithLabelValues("broadcast", "failed").Add(float64(len(failed)))
	return len(targets) - len(failed)
}

// NotifyDriver delivers msg to driverID's connection if it is connected.
// Offline drivers miss the message; nothing is queued.
func (h *Hub) NotifyDriver(driverID int64, msg any) bool {
	h.mu.RLock()
	s, ok := h.drivers[driverID]
	h.mu.RUnlock()
	if !ok {
		observability.HubDeliveries.WithLabelValues("targeted", "offline").Inc()
		return false
	}
	if err := s.send(msg, h.sendTimeout); err != nil {
		h.log.Warn("targeted send failed", "driver_id", driverID, "error", err)
		observability.HubDeliveries.WithLabelValues("targeted", "failed").Inc()
		h.Unsubscribe(s.conn)
		return false
	}
	observability.HubDeliveries.WithLabelValues("targeted", "ok").Inc()
	return true
}

// HandleEvent routes a bus event to its addressing mode.
func (h *Hub) HandleEvent(_ context.Context, e models.Event) {
	if e.Targeted() {
		h.NotifyDriver(*e.TargetDriverID, e)
		return
	}
	h.Broadcast(e)
}
