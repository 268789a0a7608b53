package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the daemon only serves its own device
	},
}

const writeTimeout = 10 * time.Second

// StreamFriendViews pushes immutable friend-view snapshots over a
// websocket. The map surface renders whatever snapshot arrives last; it
// never holds a live reference into the cache.
func (h *PresenceHandler) StreamFriendViews(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	views, cancel := h.service.SubscribeViews()
	defer cancel()

	// Discard client frames; the read pump only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current state immediately so the client does not wait for
	// the next change.
	if err := writeSnapshot(conn, h.service.FriendViews()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case snapshot, ok := <-views:
			if !ok {
				return
			}
			if err := writeSnapshot(conn, snapshot); err != nil {
				h.logger.Debug("friend view stream closed", "error", err)
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snapshot interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(snapshot)
}
