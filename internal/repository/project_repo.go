package repository

import (
	"context"
	"errors"
	"fmt"

	"studio-collab/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ProjectRepositoryImpl reads projects and their collaborator ACL.
// The services package declares the interface it needs.
type ProjectRepositoryImpl struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepositoryImpl {
	return &ProjectRepositoryImpl{db: db}
}

// GetByID returns a project. Soft-deleted projects are excluded.
func (r *ProjectRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project

	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &project, nil
}

// IsCollaborator reports whether userID has been added to projectID.
func (r *ProjectRepositoryImpl) IsCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&models.ProjectCollaborator{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator: %w", err)
	}

	return count > 0, nil
}

// Create inserts a project. The id is generated in the BeforeCreate hook.
func (r *ProjectRepositoryImpl) Create(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// AddCollaborator grants userID access to projectID. Re-adding updates
// the role.
func (r *ProjectRepositoryImpl) AddCollaborator(ctx context.Context, projectID, userID string, role models.CollaboratorRole) error {
	row := &models.ProjectCollaborator{ProjectID: projectID, UserID: userID, Role: role}

	err := r.db.WithContext(ctx).
		Where(models.ProjectCollaborator{ProjectID: projectID, UserID: userID}).
		Assign(models.ProjectCollaborator{Role: role}).
		FirstOrCreate(row).Error
	if err != nil {
		return fmt.Errorf("failed to add collaborator: %w", err)
	}
	return nil
}
