package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// progressPushInterval is how often snapshots are pushed to websocket
// clients. The poll endpoint remains the canonical contract; the socket is
// a lower-latency mirror of the same immutable snapshots, so stage
// ordering and the single-active-operation invariant carry over untouched.
const progressPushInterval = 500 * time.Millisecond

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleProgressWS serves GET /ws/progress, streaming progress snapshots
// until the operation finishes or the client goes away.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WEB] progress ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()

	for {
		snap := s.deps.Orch.Progress()
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		if snap.Done {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
