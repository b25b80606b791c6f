package repository

import (
	"context"
	"fmt"

	"studio-collab/internal/models"

	"gorm.io/gorm"
)

// UserRepositoryImpl is the user directory backed by PostgreSQL.
type UserRepositoryImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

// Create inserts a user. The id is generated in the BeforeCreate hook when
// empty.
func (r *UserRepositoryImpl) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DisplayName resolves a user id to the name shown to collaborators.
func (r *UserRepositoryImpl) DisplayName(ctx context.Context, userID string) (string, error) {
	var names []string

	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Limit(1).
		Pluck("display_name", &names).Error
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	return names[0], nil
}
