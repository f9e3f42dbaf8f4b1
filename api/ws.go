package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowmaestro/flowmaestro/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsFrame struct {
	Type         string        `json:"type"`
	ConnectionID string        `json:"connectionId,omitempty"`
	Event        string        `json:"event,omitempty"`
	Data         *events.Event `json:"data,omitempty"`
}

// handleWS upgrades the connection and streams hub events for the
// authenticated user. Auth runs before the upgrade so a bad token gets a
// plain 401; a token that fails after upgrade closes with policy violation.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, authErr := s.userFromToken(bearerToken(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if authErr != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		return
	}

	var opts []events.ClientOption
	if execID := r.URL.Query().Get("execution_id"); execID != "" {
		opts = append(opts, events.WithExecution(execID))
	}
	client := s.hub.Subscribe(userID, opts...)
	defer client.Close()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(wsFrame{Type: "connected", ConnectionID: uuid.NewString()}); err != nil {
		return
	}

	// reader only consumes control frames and signals peer close
	done := make(chan struct{})
	go func() {
		defer close(done)
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
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsFrame{Type: "event", Event: string(ev.Type), Data: &ev}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
