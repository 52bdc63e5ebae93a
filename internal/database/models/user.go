package models

import (
	"time"
)

// User represents an operator account owning archived sources and credentials.
// Session and profile management live in the dashboard service; this core only
// needs the row as the owner of credentials and sources.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:50;not null" json:"username"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Relations
	Credentials []OAuthCredential `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"credentials,omitempty"`
	Sources     []MailSource      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"sources,omitempty"`
}
