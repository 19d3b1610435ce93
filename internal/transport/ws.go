package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openagentos/agentos/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket serves the same event feed as the SSE stream over a
// WebSocket, one JSON text frame per event. The subscriber table is
// shared, so a task still has at most one subscriber across flavors.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing taskId"})
		return
	}
	if strings.Contains(taskID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid taskId"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "taskId", taskID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.table.Subscribe(taskID)
	defer s.table.Unsubscribe(sub)
	s.table.Dispatch(taskID, protocol.Event{
		Type:    protocol.EventStart,
		Payload: protocol.StartPayload{TaskID: taskID},
	})
	s.logger.Info("websocket subscribed", "taskId", taskID)

	// Reader only detects close; clients send nothing meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
