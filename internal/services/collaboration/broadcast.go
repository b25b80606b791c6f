package collaboration

import (
	"encoding/json"
	"log/slog"

	"studio-collab/internal/metrics"
	"studio-collab/internal/models"

	"github.com/gorilla/websocket"
)

// encode serializes an outbound message. It is called once per broadcast,
// and every target gets the same bytes.
func encode(t models.MessageType, payload any) []byte {
	msg, err := json.Marshal(models.Outbound{Type: t, Payload: payload})
	if err != nil {
		// Payloads are server-built structs.
		panic("collaboration: encode " + string(t) + ": " + err.Error())
	}
	return msg
}

// deliver queues msg on c. A peer whose queue is full is a slow consumer:
// it loses the message and is closed with 1013 so it reconnects and resyncs.
func deliver(c *Connection, msg []byte) bool {
	if c.enqueue(msg) {
		return true
	}
	if c.closed() {
		return false
	}

	metrics.BroadcastDropped.Inc()
	slog.Warn("outbound queue full, closing slow consumer",
		"connection_id", c.ID, "project_id", c.ProjectID, "user_id", c.UserID)
	c.Close(websocket.CloseTryAgainLater, "slow consumer")
	return false
}

// fanOut delivers msg to every connection except excludeID and returns how
// many accepted it. A failed peer never stops delivery to the rest.
func fanOut(conns map[string]*Connection, msg []byte, excludeID string) int {
	sent := 0
	for id, c := range conns {
		if id == excludeID {
			continue
		}
		if deliver(c, msg) {
			sent++
		}
	}
	return sent
}
