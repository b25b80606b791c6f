package services

import (
	"context"

	"studio-collab/internal/models"
)

/*
Interfaces are declared here, where they are consumed, and satisfied by the
concrete types in the repository package. Each one only lists the methods
this package calls.
*/

// ProjectRepository is what the access guard needs from project storage.
type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*models.Project, error)
	IsCollaborator(ctx context.Context, projectID, userID string) (bool, error)
}
