package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents an account that owns business entities
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Password  string         `gorm:"size:255;not null" json:"-"`
	Email     string         `gorm:"size:255" json:"email"`
	FullName  string         `gorm:"size:200" json:"full_name"`
	Company   string         `gorm:"size:200" json:"company"`
	Role      string         `gorm:"size:20;default:analyst" json:"role"` // admin, analyst, viewer
	IsActive  bool           `gorm:"default:true" json:"is_active"`
	LastLogin *time.Time     `json:"last_login"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
