package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArchiveSink persists archived messages: a metadata index row per message
// plus the verbatim raw source on disk. Store is idempotent per
// (source, message id), so re-delivery after a crash is harmless.
type ArchiveSink struct {
	db      *gorm.DB
	dataDir string
}

// NewArchiveSink creates a new ArchiveSink instance
func NewArchiveSink(db *gorm.DB, dataDir string) *ArchiveSink {
	return &ArchiveSink{db: db, dataDir: dataDir}
}

// Store archives one normalized message
func (s *ArchiveSink) Store(source *models.MailSource, msg *NormalizedMessage) error {
	if len(msg.Raw) > 0 && s.dataDir != "" {
		if err := s.writeRaw(source.ID, msg); err != nil {
			return fmt.Errorf("write raw message: %w", err)
		}
	}

	row := models.ArchivedMessage{
		SourceID:    source.ID,
		MessageID:   msg.MessageID,
		ThreadID:    msg.ThreadID,
		MailboxPath: msg.MailboxPath,
		UID:         msg.UID,
		Subject:     msg.Subject,
		FromAddr:    primaryAddress(msg.From),
		ReceivedAt:  msg.ReceivedAt,
		SizeBytes:   len(msg.Raw),
	}

	// A message already indexed for this source (seen in another mailbox,
	// or re-delivered after a crash) is silently kept as-is.
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// writeRaw stores the verbatim source bytes, named by the message id hash so
// the same message never lands twice
func (s *ArchiveSink) writeRaw(sourceID uint, msg *NormalizedMessage) error {
	sum := sha256.Sum256([]byte(msg.MessageID))
	dir := filepath.Join(s.dataDir, "messages", fmt.Sprintf("%d", sourceID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(dir, hex.EncodeToString(sum[:16])+".eml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, msg.Raw, 0o600)
}

func primaryAddress(addrs []EmailAddress) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].Address
}
