package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project is a studio project. Its collaborative content lives in
// DocumentSnapshot and DocumentUpdate; this row only carries ownership and
// visibility.
type Project struct {
	ID        string         `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string         `json:"name" gorm:"type:text;not null"`
	OwnerID   string         `json:"owner_id" gorm:"type:uuid;not null;index"`
	IsPublic  bool           `json:"is_public" gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

type CollaboratorRole string

const (
	RoleEditor CollaboratorRole = "editor"
	RoleViewer CollaboratorRole = "viewer"
)

// ProjectCollaborator grants a user access to a project they do not own.
type ProjectCollaborator struct {
	ProjectID string           `json:"project_id" gorm:"type:uuid;primaryKey"`
	UserID    string           `json:"user_id" gorm:"type:uuid;primaryKey;index"`
	Role      CollaboratorRole `json:"role" gorm:"type:varchar(20);not null;default:'editor'"`
	AddedAt   time.Time        `json:"added_at" gorm:"autoCreateTime"`

	Project *Project `json:"-" gorm:"foreignKey:ProjectID;references:ID"`
}
