package services

import (
	"errors"
	"fmt"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"gorm.io/gorm"
)

// SourceService manages the mail sources configured for archival
type SourceService struct {
	db         *gorm.DB
	vault      *Vault
	logService *LogService
}

// NewSourceService creates a new SourceService instance
func NewSourceService(db *gorm.DB, vault *Vault, logService *LogService) *SourceService {
	return &SourceService{
		db:         db,
		vault:      vault,
		logService: logService,
	}
}

// CreateSourceInput represents the input for registering a mail source
type CreateSourceInput struct {
	UserID      uint
	Email       string
	DisplayName string
	IMAPHost    string
	IMAPPort    int
	Username    string
	Password    string
	UseSSL      bool
	AuthType    models.AuthType
	// CredentialID binds an OAuth credential; required for oauth2 sources
	CredentialID *uint
	ArchiveAll   bool
}

// CreateSource registers a new mail source for a user
func (s *SourceService) CreateSource(input CreateSourceInput) (*models.MailSource, error) {
	if input.AuthType == "" {
		input.AuthType = models.AuthTypePassword
	}
	if input.Email == "" || input.IMAPHost == "" || input.Username == "" {
		return nil, ErrInvalidSourceData
	}
	switch input.AuthType {
	case models.AuthTypePassword:
		if input.Password == "" {
			return nil, fmt.Errorf("%w: password required", ErrInvalidSourceData)
		}
	case models.AuthTypeOAuth2:
		if input.CredentialID == nil {
			return nil, fmt.Errorf("%w: credential required for oauth2", ErrInvalidSourceData)
		}
	default:
		return nil, fmt.Errorf("%w: unknown auth type %q", ErrInvalidSourceData, input.AuthType)
	}
	if input.IMAPPort == 0 {
		input.IMAPPort = 993
	}

	var existing models.MailSource
	if err := s.db.Where("user_id = ? AND email = ?", input.UserID, input.Email).First(&existing).Error; err == nil {
		return nil, ErrSourceAlreadyExists
	}

	source := &models.MailSource{
		UserID:       input.UserID,
		Email:        input.Email,
		DisplayName:  input.DisplayName,
		IMAPHost:     input.IMAPHost,
		IMAPPort:     input.IMAPPort,
		Username:     input.Username,
		UseSSL:       input.UseSSL,
		Enabled:      true,
		AuthType:     input.AuthType,
		CredentialID: input.CredentialID,
		ArchiveAll:   input.ArchiveAll,
	}

	if input.AuthType == models.AuthTypePassword {
		encrypted, err := s.vault.Encrypt(input.Password)
		if err != nil {
			return nil, err
		}
		source.PasswordEncrypted = encrypted
	}

	if err := s.db.Create(source).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(input.UserID, models.LogModuleSource, "create", "Mail source registered", map[string]interface{}{
		"source_id": source.ID,
		"email":     source.Email,
		"auth_type": source.AuthType,
	})
	return source, nil
}

// GetSourceByID retrieves a mail source by ID
func (s *SourceService) GetSourceByID(id uint) (*models.MailSource, error) {
	var source models.MailSource
	if err := s.db.First(&source, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

// GetSourceByIDAndUserID retrieves a mail source scoped to its owner
func (s *SourceService) GetSourceByIDAndUserID(id, userID uint) (*models.MailSource, error) {
	var source models.MailSource
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

// GetSourcesByUserID retrieves all mail sources for a user
func (s *SourceService) GetSourcesByUserID(userID uint) ([]models.MailSource, error) {
	var sources []models.MailSource
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&sources).Error
	return sources, err
}

// GetEnabledSources retrieves every enabled source across all users, for
// the background sync runner
func (s *SourceService) GetEnabledSources() ([]models.MailSource, error) {
	var sources []models.MailSource
	err := s.db.Where("enabled = ?", true).Find(&sources).Error
	return sources, err
}

// UpdateSourceInput represents the updatable fields of a mail source; nil
// pointers leave the field unchanged
type UpdateSourceInput struct {
	DisplayName *string
	IMAPHost    *string
	IMAPPort    *int
	Username    *string
	Password    *string
	UseSSL      *bool
	ArchiveAll  *bool
}

// UpdateSource updates a mail source
func (s *SourceService) UpdateSource(id, userID uint, input UpdateSourceInput) (*models.MailSource, error) {
	source, err := s.GetSourceByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}

	if input.DisplayName != nil {
		source.DisplayName = *input.DisplayName
	}
	if input.IMAPHost != nil {
		source.IMAPHost = *input.IMAPHost
	}
	if input.IMAPPort != nil {
		source.IMAPPort = *input.IMAPPort
	}
	if input.Username != nil {
		source.Username = *input.Username
	}
	if input.UseSSL != nil {
		source.UseSSL = *input.UseSSL
	}
	if input.ArchiveAll != nil {
		source.ArchiveAll = *input.ArchiveAll
	}
	if input.Password != nil && *input.Password != "" {
		encrypted, err := s.vault.Encrypt(*input.Password)
		if err != nil {
			return nil, err
		}
		source.PasswordEncrypted = encrypted
	}

	if err := s.db.Save(source).Error; err != nil {
		return nil, err
	}
	return source, nil
}

// SetSourceEnabled enables or disables a mail source
func (s *SourceService) SetSourceEnabled(id, userID uint, enabled bool) (*models.MailSource, error) {
	source, err := s.GetSourceByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(source).Update("enabled", enabled).Error; err != nil {
		return nil, err
	}
	source.Enabled = enabled
	return source, nil
}

// DeleteSource removes a mail source and, via the cascade, its sync state
func (s *SourceService) DeleteSource(id, userID uint) error {
	result := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&models.MailSource{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSourceNotFound
	}

	s.logService.LogInfo(userID, models.LogModuleSource, "delete", "Mail source removed", map[string]interface{}{
		"source_id": id,
	})
	return nil
}

// GetDecryptedPassword returns the plaintext password for a password source
func (s *SourceService) GetDecryptedPassword(source *models.MailSource) (string, error) {
	if source.AuthType != models.AuthTypePassword {
		return "", fmt.Errorf("%w: source %d uses %s auth", ErrInvalidSourceData, source.ID, source.AuthType)
	}
	return s.vault.Decrypt(source.PasswordEncrypted)
}

// ConnectionTestResult reports the outcome of a connection test
type ConnectionTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestConnection opens and immediately closes a protocol session for the
// source, using the given credential resolver for oauth2 sources
func (s *SourceService) TestConnection(source *models.MailSource, credentials CredentialProvider) ConnectionTestResult {
	auth, err := credentials()
	if err != nil {
		return ConnectionTestResult{Success: false, Message: "Failed to resolve credentials: " + err.Error()}
	}

	conn, err := dialIMAP(ConnectParams{
		Host:     source.IMAPHost,
		Port:     source.IMAPPort,
		UseSSL:   source.UseSSL,
		Username: source.Username,
		Auth:     auth,
	})
	if err != nil {
		return ConnectionTestResult{Success: false, Message: err.Error()}
	}
	_ = conn.Logout()

	return ConnectionTestResult{Success: true, Message: "IMAP connection successful"}
}
