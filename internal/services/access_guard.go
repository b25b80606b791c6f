package services

import (
	"context"
	"log/slog"
)

// AccessGuard authorizes a user against a project's ACL.
type AccessGuard struct {
	projects ProjectRepository
}

func NewAccessGuard(projects ProjectRepository) *AccessGuard {
	return &AccessGuard{projects: projects}
}

// CanAccess allows the owner, a registered collaborator or anyone when the
// project is public. A failed lookup denies.
func (g *AccessGuard) CanAccess(ctx context.Context, userID, projectID string) bool {
	project, err := g.projects.GetByID(ctx, projectID)
	if err != nil {
		slog.Info("project access denied", "project_id", projectID, "user_id", userID, "error", err)
		return false
	}

	if project.OwnerID == userID || project.IsPublic {
		return true
	}

	ok, err := g.projects.IsCollaborator(ctx, projectID, userID)
	if err != nil {
		slog.Warn("collaborator lookup failed", "project_id", projectID, "user_id", userID, "error", err)
		return false
	}
	return ok
}
