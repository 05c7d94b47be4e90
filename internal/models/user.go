package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an operator allowed to log in and subscribe as a dashboard.
// Only credentials are persisted; telemetry never touches the database.
type User struct {
	gorm.Model

	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}
