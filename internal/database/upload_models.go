package database

import (
	"time"
)

// UploadSessionRecord is the persisted form of an upload session
type UploadSessionRecord struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID      string `gorm:"index;type:varchar(128);not null"`
	Filename     string `gorm:"type:varchar(512)"`
	ContentType  string `gorm:"type:varchar(128)"`
	MediaType    string `gorm:"type:varchar(16)"`
	DeclaredSize int64
	ChunkSize    int64
	TotalChunks  int
	// UploadedChunks is a JSON array of indices
	UploadedChunks string    `gorm:"type:text"`
	Status         string    `gorm:"type:varchar(32);not null;index"`
	FailureReason  string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
	// Index on (status, expires_at) serves the cleanup sweep
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (UploadSessionRecord) TableName() string {
	return "upload_sessions"
}
