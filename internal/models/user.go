package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an entry in the user directory. The collaboration server only
// reads it to resolve display names.
type User struct {
	ID          string    `json:"id" gorm:"type:uuid;primaryKey"`
	DisplayName string    `json:"display_name" gorm:"type:text;not null"`
	Email       string    `json:"email,omitempty" gorm:"type:text;index"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
