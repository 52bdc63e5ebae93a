package config

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	DatabasePath  string `json:"database_path"`
	APIPort       string `json:"api_port"`
	LogLevel      string `json:"log_level"`
	DataDir       string `json:"data_dir"`
	PublicBaseURL string `json:"public_base_url"` // externally reachable base URL, used to derive the OAuth callback
	JWTSecret     string `json:"jwt_secret"`
	EncryptionKey string `json:"encryption_key"` // independent key used to encrypt stored mailbox credentials

	// OAuth overrides. Both are optional: without them the well-known
	// public client id and a redirect derived from PublicBaseURL are used.
	OAuthClientID    string `json:"oauth_client_id"`
	OAuthRedirectURL string `json:"oauth_redirect_url"`

	CORSOrigins string `json:"cors_origins"` // comma separated, * means all
}

// Default configuration values
const (
	DefaultDatabasePath  = "data/openarchiver.db"
	DefaultAPIPort       = "8080"
	DefaultLogLevel      = "INFO"
	DefaultDataDir       = "data"
	DefaultPublicBaseURL = "http://localhost:8080"
	DefaultJWTSecret     = "openarchiver-default-secret-change-in-production"
	DefaultEncryptionKey = "" // empty means derive from JWTSecret
	DefaultCORSOrigins   = "*"
)

// Load loads configuration from environment variables and config file
// Priority: Environment variables > Config file > Default values
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:  DefaultDatabasePath,
		APIPort:       DefaultAPIPort,
		LogLevel:      DefaultLogLevel,
		DataDir:       DefaultDataDir,
		PublicBaseURL: DefaultPublicBaseURL,
		JWTSecret:     DefaultJWTSecret,
		EncryptionKey: DefaultEncryptionKey,
		CORSOrigins:   DefaultCORSOrigins,
	}

	// Config file is optional
	_ = cfg.loadFromFile()

	// Override with environment variables
	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromFile loads configuration from config.json file
func (c *Config) loadFromFile() error {
	configPaths := []string{
		"config.json",
		filepath.Join(c.DataDir, "config.json"),
	}

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(data, c); err != nil {
			return err
		}
		return nil
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if val := os.Getenv("OPENARCHIVER_DATABASE_PATH"); val != "" {
		c.DatabasePath = val
	}
	if val := os.Getenv("OPENARCHIVER_API_PORT"); val != "" {
		c.APIPort = val
	}
	if val := os.Getenv("OPENARCHIVER_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("OPENARCHIVER_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("OPENARCHIVER_PUBLIC_BASE_URL"); val != "" {
		c.PublicBaseURL = val
	}
	if val := os.Getenv("OPENARCHIVER_JWT_SECRET"); val != "" {
		c.JWTSecret = val
	}
	if val := os.Getenv("OPENARCHIVER_ENCRYPTION_KEY"); val != "" {
		c.EncryptionKey = val
	}
	if val := os.Getenv("OPENARCHIVER_OAUTH_CLIENT_ID"); val != "" {
		c.OAuthClientID = val
	}
	if val := os.Getenv("OPENARCHIVER_OAUTH_REDIRECT_URL"); val != "" {
		c.OAuthRedirectURL = val
	}
	if val := os.Getenv("OPENARCHIVER_CORS_ORIGINS"); val != "" {
		c.CORSOrigins = val
	}
}

// GetEncryptionKey returns the 32-byte key used to encrypt stored credentials
// If EncryptionKey is set, use it; otherwise derive from JWTSecret
func (c *Config) GetEncryptionKey() []byte {
	if c.EncryptionKey != "" {
		// SHA-256 guarantees a 32 byte key
		hash := sha256.Sum256([]byte(c.EncryptionKey))
		return hash[:]
	}
	hash := sha256.Sum256([]byte(c.JWTSecret + "-encryption"))
	return hash[:]
}

// Save saves the current configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
