package users

import (
	"strings"
	"time"
)

// Profile is the display identity shown next to a collaborator.
type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// User is a row of the identity directory.
type User struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	Email     string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the identity directory.
func (User) TableName() string {
	return "users"
}

func (u User) profile() Profile {
	return Profile{Username: u.Username, Email: u.Email}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
