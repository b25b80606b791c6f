package api

import (
	"net/http"

	"studio-collab/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(h *Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovered panics land on the request span.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(allowedOrigins))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", h.Ready).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/projects/{projectId}/collaborators", h.ProjectCollaborators).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// WebSocket routes
	r.HandleFunc("/ws/projects/{projectId}", h.HandleProjectWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/ws/collab", h.HandleProjectWebSocket).Methods(http.MethodGet)

	return r
}
