package models

import (
	"time"
)

// AuthType selects how the sync engine authenticates against the mail server
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// MailSource represents one remote mailbox configured for archival
type MailSource struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UserID      uint   `gorm:"index;not null" json:"user_id"`
	Email       string `gorm:"size:255;not null" json:"email"`
	DisplayName string `gorm:"size:100" json:"display_name"`
	IMAPHost    string `gorm:"size:255;not null" json:"imap_host"`
	IMAPPort    int    `gorm:"not null" json:"imap_port"`
	Username    string `gorm:"size:255;not null" json:"username"`
	UseSSL      bool   `gorm:"default:true" json:"use_ssl"`
	Enabled     bool   `gorm:"default:true" json:"enabled"`

	AuthType          AuthType `gorm:"size:20;default:'password'" json:"auth_type"`
	PasswordEncrypted string   `gorm:"size:500" json:"-"`
	// CredentialID points at the OAuthCredential used for bearer auth.
	// Only set when AuthType is oauth2.
	CredentialID *uint `json:"credential_id"`

	// ArchiveAll includes mailboxes flagged Junk or Trash, which are
	// skipped by default.
	ArchiveAll bool `gorm:"default:false" json:"archive_all"`

	LastSyncAt time.Time `json:"last_sync_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Relations
	SyncStates []MailboxSyncState `gorm:"foreignKey:SourceID;constraint:OnDelete:CASCADE" json:"sync_states,omitempty"`
}
