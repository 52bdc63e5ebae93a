package services

import (
	"errors"
	"log"
	"time"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"gorm.io/gorm"
)

// refreshAhead is how far ahead of expiry the scheduler refreshes, so sync
// cycles rarely pay the refresh round-trip themselves
const refreshAhead = 10 * time.Minute

// TokenScheduler proactively refreshes OAuth credentials that are about to
// expire. ResolveAccessToken still refreshes on demand; this only front-runs
// it for credentials in active use.
type TokenScheduler struct {
	db       *gorm.DB
	flow     *OAuthFlow
	interval time.Duration
	stopChan chan struct{}
	running  bool
}

// NewTokenScheduler creates a new TokenScheduler instance
func NewTokenScheduler(db *gorm.DB, flow *OAuthFlow, interval time.Duration) *TokenScheduler {
	return &TokenScheduler{
		db:       db,
		flow:     flow,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the token refresh scheduler
func (s *TokenScheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	go s.run()
	log.Printf("[TokenScheduler] Started with interval %v", s.interval)
}

// Stop stops the token refresh scheduler
func (s *TokenScheduler) Stop() {
	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
	log.Println("[TokenScheduler] Stopped")
}

func (s *TokenScheduler) run() {
	s.refreshExpiringTokens()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshExpiringTokens()
		case <-s.stopChan:
			return
		}
	}
}

// refreshExpiringTokens refreshes every credential whose access token
// expires within the look-ahead window
func (s *TokenScheduler) refreshExpiringTokens() {
	threshold := time.Now().Add(refreshAhead)

	var credentials []models.OAuthCredential
	err := s.db.Where("expires_at IS NOT NULL AND expires_at < ?", threshold).Find(&credentials).Error
	if err != nil {
		log.Printf("[TokenScheduler] Error finding credentials: %v", err)
		return
	}
	if len(credentials) == 0 {
		return
	}

	log.Printf("[TokenScheduler] Refreshing %d expiring credentials", len(credentials))

	for _, credential := range credentials {
		if err := s.flow.Refresh(credential.ID); err != nil {
			log.Printf("[TokenScheduler] Failed to refresh credential %d (%s): %v", credential.ID, credential.Email, err)
			if errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoRefreshToken) {
				// Unusable until the user re-authenticates. Nothing more
				// this loop can do; the failure is already logged for the
				// owner.
				continue
			}
		}
	}
}
