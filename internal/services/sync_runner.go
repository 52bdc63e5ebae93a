package services

import (
	"log"
	"sync"
	"time"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageSink receives every newly archived message. Store must be
// idempotent per (source, message id): the runner may hand over a message
// again after a crash between archiving and mark persistence.
type MessageSink interface {
	Store(source *models.MailSource, msg *NormalizedMessage) error
}

// SyncRunner drives periodic sync cycles across all enabled sources. Each
// source runs in its own goroutine per cycle; a per-source lock keeps
// scheduled and manually triggered syncs of the same source from
// overlapping.
type SyncRunner struct {
	db          *gorm.DB
	sources     *SourceService
	flow        *OAuthFlow
	logService  *LogService
	sink        MessageSink
	interval    time.Duration
	stopChan    chan struct{}
	running     bool
	mu          sync.Mutex
	cycling     sync.Mutex // keeps whole cycles from overlapping
	sourceLocks sync.Map

	engineFor func(source *models.MailSource) (*SyncEngine, error)
}

// NewSyncRunner creates a new SyncRunner instance
func NewSyncRunner(db *gorm.DB, sources *SourceService, flow *OAuthFlow, logService *LogService, sink MessageSink, interval time.Duration) *SyncRunner {
	r := &SyncRunner{
		db:         db,
		sources:    sources,
		flow:       flow,
		logService: logService,
		sink:       sink,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
	r.engineFor = r.buildEngine
	return r
}

// Start begins the periodic sync loop
func (r *SyncRunner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	log.Printf("[SyncRunner] Starting with interval: %v", r.interval)

	go func() {
		// Give the rest of the process a moment to finish booting before
		// the first cycle opens network connections.
		select {
		case <-time.After(10 * time.Second):
			r.syncAllSources()
		case <-r.stopChan:
			return
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.syncAllSources()
			case <-r.stopChan:
				log.Println("[SyncRunner] Stopping")
				return
			}
		}
	}()
}

// Stop stops the periodic sync loop
func (r *SyncRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopChan)
	r.running = false
}

// TryLockSource claims a source for one sync; returns false when a sync of
// that source is already underway
func (r *SyncRunner) TryLockSource(sourceID uint) bool {
	_, loaded := r.sourceLocks.LoadOrStore(sourceID, true)
	return !loaded
}

// UnlockSource releases a source claim
func (r *SyncRunner) UnlockSource(sourceID uint) {
	r.sourceLocks.Delete(sourceID)
}

// syncAllSources runs one cycle over every enabled source, each in its own
// goroutine
func (r *SyncRunner) syncAllSources() {
	if !r.cycling.TryLock() {
		log.Println("[SyncRunner] Previous cycle still running, skipping")
		return
	}
	defer r.cycling.Unlock()

	sources, err := r.sources.GetEnabledSources()
	if err != nil {
		log.Printf("[SyncRunner] Failed to load sources: %v", err)
		return
	}
	if len(sources) == 0 {
		return
	}

	log.Printf("[SyncRunner] Syncing %d sources", len(sources))

	var wg sync.WaitGroup
	for _, source := range sources {
		if !r.TryLockSource(source.ID) {
			log.Printf("[SyncRunner] Source %d (%s) already syncing, skipping", source.ID, source.Email)
			continue
		}

		wg.Add(1)
		go func(src models.MailSource) {
			defer wg.Done()
			defer r.UnlockSource(src.ID)

			if _, err := r.runCycle(&src); err != nil {
				log.Printf("[SyncRunner] Source %d (%s) cycle failed: %v", src.ID, src.Email, err)
			}
		}(source)
	}
	wg.Wait()

	log.Println("[SyncRunner] Cycle completed")
}

// SyncSource runs one cycle for a single source, for manual triggers.
// Returns the number of newly archived messages.
func (r *SyncRunner) SyncSource(sourceID, userID uint) (int, error) {
	source, err := r.sources.GetSourceByIDAndUserID(sourceID, userID)
	if err != nil {
		return 0, err
	}

	if !r.TryLockSource(source.ID) {
		return 0, ErrSourceSyncInProgress
	}
	defer r.UnlockSource(source.ID)

	return r.runCycle(source)
}

// runCycle executes one engine cycle for a source and persists its outcome.
// High-water marks are persisted even when the cycle ends in an error:
// positions only ever advance over messages the sink has accepted.
func (r *SyncRunner) runCycle(source *models.MailSource) (int, error) {
	engine, err := r.engineFor(source)
	if err != nil {
		return 0, err
	}

	positions, err := r.loadPositions(source.ID)
	if err != nil {
		return 0, err
	}

	result, runErr := engine.Run(positions, func(msg *NormalizedMessage) error {
		return r.sink.Store(source, msg)
	})

	if result != nil {
		if err := r.persistPositions(source.ID, positions, result.Positions); err != nil {
			log.Printf("[SyncRunner] Source %d: failed to persist sync marks: %v", source.ID, err)
		}

		if runErr == nil {
			r.db.Model(&models.MailSource{}).Where("id = ?", source.ID).Update("last_sync_at", time.Now())
		}

		if result.Yielded > 0 {
			r.logService.LogInfo(source.UserID, models.LogModuleSync, "cycle", "Sync cycle completed", map[string]interface{}{
				"cycle_id":  result.CycleID,
				"source_id": source.ID,
				"archived":  result.Yielded,
				"note":      result.StatusNote,
			})
		}
	}

	if runErr != nil {
		r.logService.LogWarn(source.UserID, models.LogModuleSync, "cycle", "Sync cycle failed", map[string]interface{}{
			"source_id": source.ID,
			"error":     runErr.Error(),
		})
		yielded := 0
		if result != nil {
			yielded = result.Yielded
		}
		return yielded, runErr
	}
	return result.Yielded, nil
}

// buildEngine assembles a sync engine for the source, wiring the credential
// resolver for its auth variant
func (r *SyncRunner) buildEngine(source *models.MailSource) (*SyncEngine, error) {
	cfg := SyncConfig{
		Host:       source.IMAPHost,
		Port:       source.IMAPPort,
		UseSSL:     source.UseSSL,
		Username:   source.Username,
		ArchiveAll: source.ArchiveAll,
	}

	var credentials CredentialProvider
	switch source.AuthType {
	case models.AuthTypeOAuth2:
		credentialID := source.CredentialID
		if credentialID == nil {
			return nil, ErrInvalidSourceData
		}
		credentials = func() (authMethod, error) {
			// Resolved on every (re)connect so a token refreshed since the
			// last attempt is picked up.
			token, err := r.flow.ResolveAccessToken(*credentialID)
			if err != nil {
				return nil, err
			}
			return BearerAuth(token), nil
		}
	default:
		credentials = func() (authMethod, error) {
			password, err := r.sources.GetDecryptedPassword(source)
			if err != nil {
				return nil, err
			}
			return PasswordAuth(password), nil
		}
	}

	return NewSyncEngine(cfg, credentials, r.logService, source.UserID), nil
}

// loadPositions reads the persisted high-water marks for a source
func (r *SyncRunner) loadPositions(sourceID uint) (map[string]uint32, error) {
	var states []models.MailboxSyncState
	if err := r.db.Where("source_id = ?", sourceID).Find(&states).Error; err != nil {
		return nil, err
	}

	positions := make(map[string]uint32, len(states))
	for _, state := range states {
		positions[state.MailboxPath] = state.LastUID
	}
	return positions, nil
}

// persistPositions upserts the marks that moved this cycle
func (r *SyncRunner) persistPositions(sourceID uint, before, after map[string]uint32) error {
	now := time.Now()
	for path, uid := range after {
		if prev, ok := before[path]; ok && prev == uid {
			continue
		}
		state := models.MailboxSyncState{
			SourceID:    sourceID,
			MailboxPath: path,
			LastUID:     uid,
			LastSyncAt:  now,
		}
		err := r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}, {Name: "mailbox_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_uid", "last_sync_at", "updated_at"}),
		}).Create(&state).Error
		if err != nil {
			return err
		}
	}
	return nil
}
