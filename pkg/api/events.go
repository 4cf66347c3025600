package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/drover/pkg/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Owner tokens gate access, not origins; this is a local daemon
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// handleEvents streams the session's state transitions over WebSocket
// until the session reaches a terminal state or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		// Browsers cannot set headers on WebSocket dials
		owner = r.URL.Query().Get("owner")
	}

	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil || sess.OwnerToken != owner {
		s.writeError(w, http.StatusNotFound, ErrorBody{
			Code:    session.ErrCodeNotFound,
			Message: "session not found: " + r.PathValue("id"),
		})
		return
	}

	// Subscribe before upgrading so no transition slips between the
	// initial snapshot and the stream.
	events, cancel := s.registry.Events().Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Debug().Str("session_id", sess.ID).Msg("Event stream opened")

	// Current state first, then live transitions
	snapshot := sess.Snapshot()
	first := session.Event{SessionID: sess.ID, Status: snapshot.Status, At: time.Now()}
	if err := writeEvent(conn, first); err != nil {
		return
	}
	if first.Status.Terminal() {
		return
	}

	// Reader goroutine drains client frames and surfaces disconnects
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.SessionID != sess.ID {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
			if e.Status.Terminal() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-disconnected:
			s.logger.Debug().Str("session_id", sess.ID).Msg("Event stream client disconnected")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e session.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(e)
}
