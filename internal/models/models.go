package models

import "time"

// Installs (durable, one row per app installation)
type Install struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	InstallID         string    `gorm:"type:varchar(100);uniqueIndex;not null"`
	InstalledAt       time.Time `gorm:"not null"`
	LastActive        time.Time `gorm:"index;not null"`
	Platform          string    `gorm:"type:varchar(100)"`
	DeviceInfo        string    `gorm:"type:text"`
	Version           string    `gorm:"type:varchar(50)"`
	LinkedPrincipalID string    `gorm:"type:varchar(100);index"`
	LinkedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Install) TableName() string {
	return "installs"
}

// Users (ground truth for the userCount metric; rows are written by the
// identity provider's lifecycle events, not by end-user requests)
type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UID          string    `gorm:"type:varchar(100);uniqueIndex;not null"`
	Email        string    `gorm:"type:varchar(255);index"`
	DisplayName  string    `gorm:"type:varchar(255)"`
	LastLogin    time.Time `gorm:"index"`
	IsBlocked    bool      `gorm:"not null;default:false"`
	IsAdmin      bool      `gorm:"not null;default:false"`
	WatchedCount int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string {
	return "users"
}
