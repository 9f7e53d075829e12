package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	// The API is served to dashboards on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams hub events to a websocket client as JSON text
// messages. A client too slow to keep up misses events rather than
// stalling the recorder.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.config.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event feed not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	evs, cancel := s.config.Hub.Subscribe()
	defer cancel()
	s.log.Debug("event subscriber connected", "remote", r.RemoteAddr)

	// Reads only serve to notice the client going away and to handle pongs.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			s.log.Debug("event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case ev := <-evs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
