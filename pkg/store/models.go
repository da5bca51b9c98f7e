package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	Email         string `gorm:"uniqueIndex;not null"`
	FullName      string
	Username      string
	AadhaarMasked string
	DOB           string
	Gender        string
	Phone         string
	EmailVerified bool `gorm:"not null;default:false"`
	PhoneVerified bool `gorm:"not null;default:false"`
	PhotoURL      string
	PasswordHash  string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type DocumentModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	FileName     string `gorm:"not null"`
	OriginalName string `gorm:"not null"`
	FileType     string
	Category     string `gorm:"not null;index"`
	FileURL      string `gorm:"not null"`
	StoragePath  string `gorm:"not null"`
	SizeBytes    int64  `gorm:"not null"`
	PageCount    int
	SharedWith   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

type AuditEventModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Action    string `gorm:"not null"`
	Meta      string
	CreatedAt time.Time `gorm:"not null;index"`
}
