package models

import (
	"time"
)

// MailboxSyncState is the persisted high-water mark for one mailbox of a
// source. LastUID is monotonically non-decreasing across successful cycles;
// the sync engine returns updated marks and the runner persists them here.
type MailboxSyncState struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SourceID    uint      `gorm:"not null;uniqueIndex:idx_sync_source_mailbox,priority:1" json:"source_id"`
	MailboxPath string    `gorm:"size:255;not null;uniqueIndex:idx_sync_source_mailbox,priority:2" json:"mailbox_path"`
	LastUID     uint32    `gorm:"not null;default:0" json:"last_uid"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
