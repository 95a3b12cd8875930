package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: httpTimeoutsMs * time.Millisecond,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// handleStream pushes a status snapshot right away and then every interval
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// the http server deadlines stay on the hijacked connection
	conn.SetReadDeadline(time.Time{})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(httpTimeoutsMs * time.Millisecond))
		if err := conn.WriteJSON(s.device.Snapshot()); err != nil {
			s.logger.Debug("websocket stream closed", "err", err)
			return
		}

		select {
		case <-gone:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}
