package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sorglos123/OpenArchiver/internal/database/models"
)

func newArchiveDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.OAuthCredential{},
		&models.MailSource{},
		&models.MailboxSyncState{},
		&models.ArchivedMessage{},
		&models.Log{},
	))
	return db
}

func newRunnerEnv(t *testing.T, srv *fakeServer) (*SyncRunner, *gorm.DB, *models.MailSource, string) {
	t.Helper()
	db := newArchiveDB(t)
	vault := NewVault([]byte("runner-test-key"))
	sources := NewSourceService(db, vault, nil)

	source, err := sources.CreateSource(CreateSourceInput{
		UserID:   1,
		Email:    "alice@example.org",
		IMAPHost: "imap.example.org",
		Username: "alice@example.org",
		Password: "secret",
		UseSSL:   true,
	})
	require.NoError(t, err)

	dataDir := t.TempDir()
	runner := NewSyncRunner(db, sources, nil, nil, NewArchiveSink(db, dataDir), time.Hour)
	runner.engineFor = func(src *models.MailSource) (*SyncEngine, error) {
		engine := newTestEngine(srv, SyncConfig{ArchiveAll: src.ArchiveAll})
		return engine, nil
	}
	return runner, db, source, dataDir
}

func TestSyncRunnerArchivesAndAdvancesMarks(t *testing.T) {
	srv := &fakeServer{}
	srv.addMailbox("INBOX", &fakeMailbox{
		uidNext: 104,
		messages: map[uint32]string{
			101: rawMessage(101),
			102: rawMessage(102),
			103: rawMessage(103),
		},
	})

	runner, db, source, dataDir := newRunnerEnv(t, srv)

	// A previous cycle left the INBOX mark at 100.
	require.NoError(t, db.Create(&models.MailboxSyncState{
		SourceID:    source.ID,
		MailboxPath: "INBOX",
		LastUID:     100,
	}).Error)

	archived, err := runner.SyncSource(source.ID, source.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, archived)

	var state models.MailboxSyncState
	require.NoError(t, db.Where("source_id = ? AND mailbox_path = ?", source.ID, "INBOX").First(&state).Error)
	assert.Equal(t, uint32(103), state.LastUID)

	var rows []models.ArchivedMessage
	require.NoError(t, db.Order("uid ASC").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.Equal(t, "<101@example.org>", rows[0].MessageID)
	assert.Equal(t, "hello 101", rows[0].Subject)
	assert.Equal(t, "alice@example.org", rows[0].FromAddr)
	assert.Equal(t, "INBOX", rows[0].MailboxPath)
	assert.NotEmpty(t, rows[0].ThreadID)

	files, err := filepath.Glob(filepath.Join(dataDir, "messages", "*", "*.eml"))
	require.NoError(t, err)
	assert.Len(t, files, 3, "raw source bytes stored verbatim")
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "From: Alice <alice@example.org>")

	var updated models.MailSource
	require.NoError(t, db.First(&updated, source.ID).Error)
	assert.False(t, updated.LastSyncAt.IsZero())
}

func TestSyncRunnerSecondCycleArchivesNothing(t *testing.T) {
	srv := &fakeServer{}
	srv.addMailbox("INBOX", &fakeMailbox{
		uidNext:  3,
		messages: map[uint32]string{1: rawMessage(1), 2: rawMessage(2)},
	})

	runner, db, source, _ := newRunnerEnv(t, srv)

	archived, err := runner.SyncSource(source.ID, source.UserID)
	require.NoError(t, err)
	require.Equal(t, 2, archived)

	archived, err = runner.SyncSource(source.ID, source.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)

	var count int64
	require.NoError(t, db.Model(&models.ArchivedMessage{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSyncRunnerRefusesOverlappingSync(t *testing.T) {
	srv := &fakeServer{}
	srv.addMailbox("INBOX", &fakeMailbox{uidNext: 1})

	runner, _, source, _ := newRunnerEnv(t, srv)

	require.True(t, runner.TryLockSource(source.ID))
	defer runner.UnlockSource(source.ID)

	_, err := runner.SyncSource(source.ID, source.UserID)
	assert.ErrorIs(t, err, ErrSourceSyncInProgress)
}

func TestSyncRunnerUnknownSource(t *testing.T) {
	srv := &fakeServer{}
	runner, _, _, _ := newRunnerEnv(t, srv)

	_, err := runner.SyncSource(999, 1)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestArchiveSinkDeduplicatesByMessageID(t *testing.T) {
	db := newArchiveDB(t)
	sink := NewArchiveSink(db, "")

	source := &models.MailSource{ID: 1}
	msg := &NormalizedMessage{
		MessageID:   "<dup@example.org>",
		ThreadID:    "t1",
		MailboxPath: "INBOX",
		UID:         5,
		Subject:     "first",
	}
	require.NoError(t, sink.Store(source, msg))

	// The same message seen again, e.g. in another mailbox.
	again := *msg
	again.MailboxPath = "Archive"
	again.UID = 9
	require.NoError(t, sink.Store(source, &again))

	var rows []models.ArchivedMessage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "INBOX", rows[0].MailboxPath, "first sighting wins")

	// A different source archiving the same message id is a separate row.
	require.NoError(t, sink.Store(&models.MailSource{ID: 2}, msg))
	require.NoError(t, db.Find(&rows).Error)
	assert.Len(t, rows, 2)
}
