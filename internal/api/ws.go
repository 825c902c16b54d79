// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds each event write. A client that cannot drain
// events within it is disconnected rather than allowed to pile up.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API binds wherever the operator pointed it; browser
	// origin checks carry no meaning for a tooling endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS upgrades the connection and streams hub events as JSON
// messages until the client goes away. Events published before the
// subscription lands are served by GET /api/v1/events, not replayed
// here.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed", "client", r.RemoteAddr)
		return
	}
	defer conn.Close()

	ch, cancel := s.opts.Hub.Subscribe()
	defer cancel()

	s.log.Debug("event stream opened", "client", r.RemoteAddr)

	// The client sends nothing meaningful; reads only notice it closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range ch {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("event stream write failed", "client", r.RemoteAddr, "error", err.Error())
			}
			return
		}
	}
}
