package models

import (
	"time"
)

// ArchivedMessage is the metadata index row written once per archived message.
// The raw source bytes and full-text index are handed to the storage and
// indexing collaborators; this table is only the dedup/index boundary.
type ArchivedMessage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SourceID    uint      `gorm:"not null;uniqueIndex:idx_archived_source_message,priority:1" json:"source_id"`
	MessageID   string    `gorm:"size:255;not null;uniqueIndex:idx_archived_source_message,priority:2" json:"message_id"`
	ThreadID    string    `gorm:"size:64;index" json:"thread_id"`
	MailboxPath string    `gorm:"size:255" json:"mailbox_path"`
	UID         uint32    `json:"uid"`
	Subject     string    `gorm:"size:500" json:"subject"`
	FromAddr    string    `gorm:"size:255" json:"from"`
	ReceivedAt  time.Time `gorm:"index" json:"received_at"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}
