package httpapi

import (
	"net/http"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/server/models"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 1024,
	// listeners are read-only and unauthenticated
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stream handles GET /sessions/{id}/stream. It sends the current state, then
// every accepted update, as JSON text frames. States older than one already
// sent are skipped.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// subscribe first so an update racing the initial read is not lost
	updates, cancel := h.updates.Subscribe(id)
	defer cancel()

	initial, err := h.updates.State(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	// the read side only services control frames and notices the peer leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var last int64 = -1
	send := func(st models.PlaybackState) error {
		if st.Timestamp < last {
			return nil
		}
		last = st.Timestamp
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(st)
	}

	if err := send(*initial); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "store shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := send(st); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
