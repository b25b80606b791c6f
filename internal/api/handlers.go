package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"studio-collab/internal/services/collaboration"
)

const readyTimeout = 5 * time.Second

// Handler serves the HTTP surface around the collaboration engine.
type Handler struct {
	collab CollaborationService
	checks map[string]Pinger
}

// NewHandler builds a Handler. checks maps a dependency name to its check;
// nil checks are skipped.
func NewHandler(collab CollaborationService, checks map[string]Pinger) *Handler {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &Handler{collab: collab, checks: filtered}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Ready pings every dependency and reports 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := make(map[string]any, len(h.checks))

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ProjectCollaborators returns the live roster of a project. It uses the
// same authentication and access rules as the WebSocket handshake.
func (h *Handler) ProjectCollaborators(w http.ResponseWriter, r *http.Request) {
	projectID := collaboration.ProjectIDFromRequest(r)
	if !collaboration.ValidProjectID(projectID) {
		writeError(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "project id is missing or malformed")
		return
	}

	_, status := h.collab.Authorize(r, projectID)
	switch status {
	case http.StatusUnauthorized:
		writeError(w, status, "UNAUTHENTICATED", "no valid credentials")
		return
	case http.StatusForbidden:
		writeError(w, status, "FORBIDDEN", "no access to project")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"projectId":     projectID,
		"collaborators": h.collab.Roster(projectID),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}
