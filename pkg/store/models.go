package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ArticleModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Content     string `gorm:"type:text;not null"`
	Summary     string `gorm:"type:text"`
	Tags        datatypes.JSON
	AuthorID    string    `gorm:"not null;index"`
	IsPublished bool      `gorm:"not null;index"`
	ViewCount   int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type ChatMessageModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	Question   string `gorm:"type:text;not null"`
	Answer     string `gorm:"type:text;not null"`
	ArticleIDs datatypes.JSON
	IsFavorite bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type ChatSessionModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	MessageIDs datatypes.JSON
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}

type FeedbackModel struct {
	ID        string    `gorm:"primaryKey"`
	MessageID string    `gorm:"not null;uniqueIndex:idx_feedback_message_user"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_feedback_message_user"`
	Rating    string    `gorm:"not null"`
	Comment   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
