package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/shuttle-dispatch/internal/auth"
)

const (
	wsReadLimit  = 4096
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleTrackingWS subscribes the caller to live events. A valid token makes
// a driver addressable for targeted offers; without one the connection only
// receives broadcasts.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	var p auth.Principal
	if token := bearerToken(r); token != "" {
		var err error
		if p, err = s.Auth.Validate(r.Context(), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.Hub.Subscribe(conn, p.UserID, p.Role)
	defer s.Hub.Unsubscribe(conn)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Inbound frames carry nothing; reading drives pong handling and notices
	// the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
