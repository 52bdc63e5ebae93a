package models

import (
	"time"
)

// OAuthProvider identifies the identity provider a credential belongs to
type OAuthProvider string

const (
	ProviderMicrosoft OAuthProvider = "microsoft"
)

// OAuthCredential stores one OAuth grant per (user, provider, mailbox address).
// Token material is AES-256-GCM encrypted before it reaches this row; plaintext
// tokens only ever exist in process memory.
type OAuthCredential struct {
	ID                    uint          `gorm:"primaryKey" json:"id"`
	UserID                uint          `gorm:"not null;uniqueIndex:idx_cred_user_provider_email,priority:1" json:"user_id"`
	Provider              OAuthProvider `gorm:"size:50;not null;uniqueIndex:idx_cred_user_provider_email,priority:2" json:"provider"`
	Email                 string        `gorm:"size:255;not null;uniqueIndex:idx_cred_user_provider_email,priority:3" json:"email"`
	AccessTokenEncrypted  string        `gorm:"size:4000;not null" json:"-"`
	RefreshTokenEncrypted string        `gorm:"size:4000" json:"-"`
	ExpiresAt             *time.Time    `json:"expires_at"`
	Scope                 string        `gorm:"size:500" json:"scope"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}
