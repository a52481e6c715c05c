package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/shared/types"
)

// failingMedium fails every Put with the wrapped error.
type failingMedium struct {
	*MemoryMedium
	putErr error
}

func (f *failingMedium) Put(key string, value []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.MemoryMedium.Put(key, value)
}

func testConfig() config.StorageConfig {
	cfg := config.Default().Storage
	cfg.ThrottleDelay = 20 * time.Millisecond
	return cfg
}

func newTestAdapter(t *testing.T, medium Medium, cfg config.StorageConfig) *Adapter {
	t.Helper()
	a, err := NewAdapter(medium, cfg, logging.NewNop(), monitoring.NewMetrics(), events.NewEmitter())
	require.NoError(t, err)
	return a
}

func testRecord(sessionID string) *types.SessionRecord {
	return &types.SessionRecord{
		SessionID: sessionID,
		Version:   types.SchemaVersion,
		LastSaved: time.Now().UTC(),
		Progress: types.ProgressState{
			SessionStartTime: time.Now().UTC(),
			PhotosProcessed:  42,
			TotalPhotos:      100,
			CategoryMemory: map[string]types.CategoryProgress{
				"2024-06": {
					LastPhotoID:     "photo-9",
					LastPhotoIndex:  9,
					TotalPhotos:     30,
					CompletedPhotos: 10,
					LastAccessTime:  time.Now().UTC(),
					CategoryType:    types.CategoryMonth,
				},
			},
			MaxHistoryEntries: 20,
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())

	record := testRecord("sess_ROUNDTRIP")
	require.NoError(t, a.Save(record))

	loaded, err := a.Load()
	require.NoError(t, err)

	assert.Equal(t, record.SessionID, loaded.SessionID)
	assert.Equal(t, record.Version, loaded.Version)
	assert.Equal(t, 42, loaded.Progress.PhotosProcessed)
	assert.Equal(t, record.Progress.CategoryMemory["2024-06"].LastPhotoID,
		loaded.Progress.CategoryMemory["2024-06"].LastPhotoID)
}

func TestLoadMissing(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())

	_, err := a.Load()
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMetadataWrittenOnSave(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())

	record := testRecord("sess_META")
	require.NoError(t, a.Save(record))

	meta, err := a.GetMetadata()
	require.NoError(t, err)
	assert.Equal(t, "sess_META", meta.SessionID)
	assert.Equal(t, types.SchemaVersion, meta.Version)
	assert.False(t, meta.Encrypted)
}

func TestIsSessionAvailable(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())

	assert.False(t, a.IsSessionAvailable(), "no session yet")

	fresh := testRecord("sess_FRESH")
	require.NoError(t, a.Save(fresh))
	assert.True(t, a.IsSessionAvailable())

	stale := testRecord("sess_STALE")
	stale.LastSaved = time.Now().Add(-25 * time.Hour)
	require.NoError(t, a.Save(stale))
	assert.False(t, a.IsSessionAvailable(), "25h-old session is outside the freshness window")
}

func TestRecoveryFromBackupSlot(t *testing.T) {
	medium := NewMemoryMedium()
	a := newTestAdapter(t, medium, testConfig())

	record := testRecord("sess_BACKUP")
	require.NoError(t, a.Save(record))

	// Corrupt the main record; Load must fall back to the backup slot.
	require.NoError(t, medium.Put(keyMain, []byte("{not json")))

	loaded, err := a.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_BACKUP", loaded.SessionID)
}

func TestBackupSlotsRotate(t *testing.T) {
	medium := NewMemoryMedium()
	cfg := testConfig()
	cfg.MaxBackups = 2
	a := newTestAdapter(t, medium, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Save(testRecord("sess_ROT")))
	}

	keys, err := medium.Keys(backupSlotPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "rotation must never exceed maxBackups slots")
}

func TestSaveThrottledCoalesces(t *testing.T) {
	medium := NewMemoryMedium()
	a := newTestAdapter(t, medium, testConfig())

	saves := 0
	a.emitter.Subscribe(events.SessionSaved, func(string, interface{}) { saves++ })

	// First call saves immediately; the burst coalesces into one trailing save.
	for i := 0; i < 5; i++ {
		require.NoError(t, a.SaveThrottled(testRecord("sess_THROTTLE")))
	}

	assert.Eventually(t, func() bool { return saves == 2 }, time.Second, 5*time.Millisecond)

	// The latest pending record is the one that lands.
	loaded, err := a.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_THROTTLE", loaded.SessionID)
}

func TestWriteFailureSurfaces(t *testing.T) {
	medium := &failingMedium{MemoryMedium: NewMemoryMedium(), putErr: errors.New("disk full")}
	a := newTestAdapter(t, medium, testConfig())

	err := a.Save(testRecord("sess_FAIL"))
	require.Error(t, err)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeUnknown, se.Code)
}

func TestEncryptedRoundTripAndFallback(t *testing.T) {
	medium := NewMemoryMedium()

	// Write unencrypted first.
	plain := newTestAdapter(t, medium, testConfig())
	require.NoError(t, plain.Save(testRecord("sess_PLAIN")))

	// Reads through an encrypting adapter fall back to the plain value.
	cfg := testConfig()
	cfg.EnableEncryption = true
	cfg.EncryptionPassphrase = "correct horse"
	enc := newTestAdapter(t, medium, cfg)

	loaded, err := enc.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_PLAIN", loaded.SessionID)

	// Writes go through the secure store and stay readable.
	require.NoError(t, enc.Save(testRecord("sess_ENC")))

	raw, err := medium.Get(keyMain)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sess_ENC", "payload must not be stored in the clear")

	loaded, err = enc.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_ENC", loaded.SessionID)

	meta, err := enc.GetMetadata()
	require.NoError(t, err)
	assert.True(t, meta.Encrypted)
}

func TestDeleteRemovesAllSessionKeys(t *testing.T) {
	medium := NewMemoryMedium()
	a := newTestAdapter(t, medium, testConfig())

	require.NoError(t, a.Save(testRecord("sess_DEL")))
	require.NoError(t, a.AppendBackupRecord(&BackupRecord{ID: "bak_KEEP", Timestamp: time.Now()}))

	require.NoError(t, a.Delete())

	_, err := a.Load()
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The tracker's backup log survives a session clear.
	keys, err := medium.Keys(backupLogPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestListenerPanicDoesNotAbortSave(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())
	a.emitter.Subscribe(events.SessionSaved, func(string, interface{}) { panic("listener bug") })

	assert.NoError(t, a.Save(testRecord("sess_PANIC")))
}

func TestStorageStatsAndQuota(t *testing.T) {
	cfg := testConfig()
	cfg.SoftQuotaBytes = 64
	a := newTestAdapter(t, NewMemoryMedium(), cfg)

	assert.True(t, a.HasStorageSpace())

	require.NoError(t, a.Save(testRecord("sess_STATS")))

	stats, err := a.GetStorageStats()
	require.NoError(t, err)
	assert.Positive(t, stats.SessionBytes)
	assert.Positive(t, stats.TotalBytes)
	assert.False(t, a.HasStorageSpace(), "a saved record exceeds the tiny quota")
}

func TestBackupLogPrune(t *testing.T) {
	a := newTestAdapter(t, NewMemoryMedium(), testConfig())

	for i := 0; i < 8; i++ {
		rec := &BackupRecord{
			ID:        string(rune('a'+i)) + "-record",
			Timestamp: time.Now(),
		}
		require.NoError(t, a.AppendBackupRecord(rec))
	}

	removed, err := a.PruneBackupRecords(5)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	keys, err := a.ListBackupRecordKeys()
	require.NoError(t, err)
	require.Len(t, keys, 5)

	latest, err := a.LatestBackupRecord()
	require.NoError(t, err)
	assert.Equal(t, "h-record", latest.ID)
}
