package api

import (
	"net/http"
)

// HandleProjectWebSocket upgrades /ws/projects/{projectId} and
// /ws/collab?projectId= to a collaboration session.
func (h *Handler) HandleProjectWebSocket(w http.ResponseWriter, r *http.Request) {
	h.collab.ServeWS(w, r)
}
