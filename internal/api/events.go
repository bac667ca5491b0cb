package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer = 256
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

// handleEvents streams operational events as JSON text frames. Repeat
// ?source= to restrict the stream to some components. Slow clients
// miss events rather than slowing the bus down.
// GET /v1/events?source=agent&source=dispatch
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream not available"})
		return
	}
	sources := r.URL.Query()["source"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Info("event stream client connected", "remote", r.RemoteAddr, "sources", sources)

	// The read loop only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if len(sources) > 0 && !slices.Contains(sources, ev.Source) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
