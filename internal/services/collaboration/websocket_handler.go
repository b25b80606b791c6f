package collaboration

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"studio-collab/internal/metrics"
	"studio-collab/internal/middleware"
	"studio-collab/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
Handshake order:

  project id (400) → authenticate (401) → authorize (403) → upgrade
  → presence add → Registry.Join (load document) → pumps

Every rejection happens before the upgrade so the client sees a plain
HTTP status with a JSON body.
*/

// ProjectIDFromRequest reads the project id from the {projectId} path
// variable or, failing that, the projectId query parameter.
func ProjectIDFromRequest(r *http.Request) string {
	if id := mux.Vars(r)["projectId"]; id != "" {
		return id
	}
	return r.URL.Query().Get("projectId")
}

// ValidProjectID reports whether id is a UUID.
func ValidProjectID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ServeWS handles the collaboration WebSocket endpoint.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectIDFromRequest(r)

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("project.id", projectID),
	)
	defer span.End()

	if !ValidProjectID(projectID) {
		reject(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "project id is missing or malformed")
		return
	}
	if s.closing.Load() {
		reject(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		return
	}

	ident, status := s.Authorize(r, projectID)
	switch status {
	case http.StatusUnauthorized:
		reject(w, status, "UNAUTHENTICATED", "no valid credentials")
		return
	case http.StatusForbidden:
		reject(w, status, "FORBIDDEN", "no access to project")
		return
	}
	span.SetAttributes(attribute.String("user.id", ident.UserID), attribute.String("auth.method", ident.Method))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		slog.Info("websocket upgrade failed", "project_id", projectID, "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	connectionID, color := s.presence.AddCollaborator(projectID, ident.UserID, ident.DisplayName)
	conn := newConnection(context.WithoutCancel(ctx), ws, connectionID, ident, projectID, color, s.opts)

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		conn.writePump()
	}()

	if _, err := s.registry.Join(ctx, conn); err != nil {
		middleware.AddSpanError(ctx, err)
		s.presence.RemoveCollaborator(projectID, ident.UserID, connectionID)
		deliver(conn, encode(models.MessageError, models.ErrorPayload{
			Code:    models.ErrCodeDocumentLoadFailed,
			Message: "could not load project document",
		}))
		// No reader runs for this connection.
		close(conn.readDone)
		conn.Close(websocket.CloseInternalServerErr, "document load failed")
		conn.cancel()
		return
	}

	middleware.AddSpanEvent(ctx, "collaboration.joined",
		attribute.String("connection.id", conn.ID),
		attribute.String("color", conn.Color),
	)

	s.registry.Broadcast(projectID, encode(models.MessageCollaboratorJoined, models.CollaboratorPayload{
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
		Color:       conn.Color,
	}), conn.ID)
	s.registry.BroadcastRoster(projectID, conn.ID)

	if s.closing.Load() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	slog.Info("connection established",
		"connection_id", conn.ID, "project_id", projectID, "user_id", ident.UserID, "method", ident.Method)

	go conn.readPump(s)
}

func reject(w http.ResponseWriter, status int, code, message string) {
	metrics.HandshakeRejections.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}

// originChecker allows the listed origins. "*" allows any, and requests
// without an Origin header (non-browser clients) are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
