package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxFrameSize = 4096
)

// eventStream upgrades observers to a websocket and forwards live session
// events. Events published before the observer attached are never replayed;
// the log endpoint is the source of truth for history.
type eventStream struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newEventStream() http.Handler {
	return &eventStream{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (es *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	session, err := es.server.sessions.GetOrCreate(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	events, cancel := es.server.hub.Subscribe(session.ID)
	defer cancel()

	conn.SetReadLimit(wsMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// The observer never sends application frames; the read loop exists to
	// process pongs and notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
