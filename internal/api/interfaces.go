package api

import (
	"context"
	"net/http"

	"studio-collab/internal/auth"
	"studio-collab/internal/models"
)

/*
Handlers depend on these small interfaces, declared here where they are
used, rather than on concrete services. Tests substitute fakes.
*/

// CollaborationService is what the handlers need from the session engine.
type CollaborationService interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Roster(projectID string) []models.Collaborator
	Authorize(r *http.Request, projectID string) (auth.Identity, int)
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}
