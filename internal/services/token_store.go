package services

import (
	"errors"
	"time"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"gorm.io/gorm"
)

// TokenStore persists OAuth credentials. All token material passes through
// the Vault on the way in and out.
type TokenStore struct {
	db    *gorm.DB
	vault *Vault
}

// NewTokenStore creates a new TokenStore instance
func NewTokenStore(db *gorm.DB, vault *Vault) *TokenStore {
	return &TokenStore{db: db, vault: vault}
}

// CreateCredentialInput carries the plaintext result of a successful
// authorization code exchange
type CreateCredentialInput struct {
	UserID       uint
	Provider     models.OAuthProvider
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
}

// Create stores a new credential, or replaces the token material of an
// existing (user, provider, email) row after re-authentication.
func (s *TokenStore) Create(input CreateCredentialInput) (*models.OAuthCredential, error) {
	encryptedAccess, err := s.vault.Encrypt(input.AccessToken)
	if err != nil {
		return nil, err
	}

	var encryptedRefresh string
	if input.RefreshToken != "" {
		encryptedRefresh, err = s.vault.Encrypt(input.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	var existing models.OAuthCredential
	err = s.db.Where("user_id = ? AND provider = ? AND email = ?",
		input.UserID, input.Provider, input.Email).First(&existing).Error
	if err == nil {
		existing.AccessTokenEncrypted = encryptedAccess
		if encryptedRefresh != "" {
			existing.RefreshTokenEncrypted = encryptedRefresh
		}
		existing.ExpiresAt = input.ExpiresAt
		existing.Scope = input.Scope
		if err := s.db.Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	credential := &models.OAuthCredential{
		UserID:                input.UserID,
		Provider:              input.Provider,
		Email:                 input.Email,
		AccessTokenEncrypted:  encryptedAccess,
		RefreshTokenEncrypted: encryptedRefresh,
		ExpiresAt:             input.ExpiresAt,
		Scope:                 input.Scope,
	}
	if err := s.db.Create(credential).Error; err != nil {
		return nil, err
	}
	return credential, nil
}

// GetByID retrieves a credential by ID
func (s *TokenStore) GetByID(id uint) (*models.OAuthCredential, error) {
	var credential models.OAuthCredential
	if err := s.db.First(&credential, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// GetByIDAndUserID retrieves a credential by ID and user ID (for authorization)
func (s *TokenStore) GetByIDAndUserID(id, userID uint) (*models.OAuthCredential, error) {
	var credential models.OAuthCredential
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// GetByEmail retrieves the credential for a mailbox address. The sync engine
// uses this to resolve the configured source address to a bearer credential.
func (s *TokenStore) GetByEmail(userID uint, provider models.OAuthProvider, email string) (*models.OAuthCredential, error) {
	var credential models.OAuthCredential
	err := s.db.Where("user_id = ? AND provider = ? AND email = ?", userID, provider, email).
		First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// ListByUserID retrieves all credentials for a user. Callers expose metadata
// only; token material stays encrypted in the returned rows.
func (s *TokenStore) ListByUserID(userID uint) ([]models.OAuthCredential, error) {
	var credentials []models.OAuthCredential
	if err := s.db.Where("user_id = ?", userID).Find(&credentials).Error; err != nil {
		return nil, err
	}
	return credentials, nil
}

// Delete removes a credential on explicit user revocation
func (s *TokenStore) Delete(id, userID uint) error {
	result := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&models.OAuthCredential{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// DecryptAccessToken returns the plaintext access token
func (s *TokenStore) DecryptAccessToken(credential *models.OAuthCredential) (string, error) {
	return s.vault.Decrypt(credential.AccessTokenEncrypted)
}

// DecryptRefreshToken returns the plaintext refresh token, or ErrNoRefreshToken
func (s *TokenStore) DecryptRefreshToken(credential *models.OAuthCredential) (string, error) {
	if credential.RefreshTokenEncrypted == "" {
		return "", ErrNoRefreshToken
	}
	return s.vault.Decrypt(credential.RefreshTokenEncrypted)
}

// UpdateTokens persists refreshed token material in one write. Nothing is
// written unless every field encrypts cleanly, so a failed refresh never
// leaves a partially updated row.
func (s *TokenStore) UpdateTokens(credentialID uint, accessToken, refreshToken string, expiresAt *time.Time) error {
	updates := make(map[string]interface{})

	encryptedAccess, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return err
	}
	updates["access_token_encrypted"] = encryptedAccess

	if refreshToken != "" {
		encryptedRefresh, err := s.vault.Encrypt(refreshToken)
		if err != nil {
			return err
		}
		updates["refresh_token_encrypted"] = encryptedRefresh
	}

	if expiresAt != nil {
		updates["expires_at"] = expiresAt
	}

	return s.db.Model(&models.OAuthCredential{}).Where("id = ?", credentialID).Updates(updates).Error
}
