package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/shared/types"
)

// Logical key spaces in the medium.
const (
	keyMain          = "session:current"
	keyMeta          = "session:meta"
	backupSlotPrefix = "session:backup_"
	backupLogPrefix  = "progress:backup:"
)

// Metadata is the small blob written beside every session save. It lets
// callers answer "is a session worth loading" without deserializing the
// full payload.
type Metadata struct {
	Version      string    `json:"version"`
	SessionID    string    `json:"session_id"`
	LastSaved    time.Time `json:"last_saved"`
	Compressed   bool      `json:"compressed"`
	Encrypted    bool      `json:"encrypted"`
	BackupCursor int       `json:"backup_cursor"`
}

// StorageStats is a best-effort size breakdown for UI warnings.
type StorageStats struct {
	SessionBytes   int64 `json:"session_bytes"`
	BackupBytes    int64 `json:"backup_bytes"`
	BackupLogBytes int64 `json:"backup_log_bytes"`
	TotalBytes     int64 `json:"total_bytes"`
	Keys           int   `json:"keys"`
}

// Adapter is the only component that talks to the durable medium. It owns
// serialization, optional at-rest encryption with plain-read fallback,
// rotating backup slots, write throttling, and the tracker's backup log.
//
// Read-path failures degrade gracefully; write-path failures surface.
// Silent divergence between the encrypted and plain stores would be a
// correctness hazard, so an encryption failure on write is never papered
// over by falling back to the plain store.
type Adapter struct {
	medium  Medium
	secure  *SecureMedium
	codec   *Codec
	cfg     config.StorageConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
	emitter *events.Emitter

	mu       sync.Mutex
	limiter  *rate.Limiter
	trailing *time.Timer
	pending  *types.SessionRecord
	cursor   int
}

// NewAdapter creates an adapter over the given medium.
func NewAdapter(medium Medium, cfg config.StorageConfig, log *logging.Logger, metrics *monitoring.Metrics, emitter *events.Emitter) (*Adapter, error) {
	codec, err := NewCodec(cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		medium:  medium,
		codec:   codec,
		cfg:     cfg,
		log:     log.Named("storage"),
		metrics: metrics,
		emitter: emitter,
		limiter: rate.NewLimiter(rate.Every(cfg.ThrottleDelay), 1),
		cursor:  -1,
	}

	if cfg.EnableEncryption {
		secure, err := NewSecureMedium(medium, cfg.EncryptionPassphrase)
		if err != nil {
			return nil, err
		}
		a.secure = secure
	}

	// Resume backup rotation where the last process left off.
	if meta, err := a.GetMetadata(); err == nil {
		a.cursor = meta.BackupCursor
	}

	return a, nil
}

// Save serializes and persists the record under the main key, writes the
// metadata blob, and rotates a numbered backup copy.
func (a *Adapter) Save(record *types.SessionRecord) error {
	start := time.Now()
	err := a.save(record)
	a.metrics.RecordSave(err, time.Since(start))
	if err == nil {
		a.emitter.Emit(events.SessionSaved, record.SessionID)
	}
	return err
}

func (a *Adapter) save(record *types.SessionRecord) error {
	data, compressed, err := a.codec.Marshal(record)
	if err != nil {
		return &StorageError{Code: CodeSerializationFailed, Op: "save", Err: err}
	}

	if err := a.write(keyMain, data); err != nil {
		return Classify("save", err)
	}

	a.mu.Lock()
	slot := -1
	if a.cfg.EnableBackup && a.cfg.MaxBackups > 0 {
		slot = (a.cursor + 1) % a.cfg.MaxBackups
		a.cursor = slot
	}
	a.mu.Unlock()

	meta := Metadata{
		Version:      record.Version,
		SessionID:    record.SessionID,
		LastSaved:    record.LastSaved,
		Compressed:   compressed,
		Encrypted:    a.secure != nil,
		BackupCursor: slot,
	}
	metaData, _, err := a.codec.Marshal(&meta)
	if err != nil {
		return &StorageError{Code: CodeSerializationFailed, Op: "save", Err: err}
	}
	if err := a.medium.Put(keyMeta, metaData); err != nil {
		return Classify("save", err)
	}

	if slot >= 0 {
		if err := a.write(backupSlotKey(slot), data); err != nil {
			// The main write already landed; a failed backup copy is
			// worth a warning, not a failed save.
			a.log.Warn("backup slot write failed", zap.Int("slot", slot), zap.Error(err))
		}
	}

	a.log.Debug("session saved",
		zap.String("session_id", record.SessionID),
		zap.Bool("compressed", compressed),
		zap.Int("backup_slot", slot))
	return nil
}

// Load reads the main session record. Deserialization failures are treated
// as "not found" after a best-effort recovery pass over the backup slots.
func (a *Adapter) Load() (*types.SessionRecord, error) {
	record, err := a.load()
	a.metrics.RecordLoad(err)
	if err == nil {
		a.emitter.Emit(events.SessionLoaded, record.SessionID)
	}
	return record, err
}

func (a *Adapter) load() (*types.SessionRecord, error) {
	data, err := a.read(keyMain)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return a.recoverFromBackup()
		}
		a.log.Warn("main session read failed", zap.Error(err))
		return a.recoverFromBackup()
	}

	var record types.SessionRecord
	if err := a.codec.Unmarshal(data, &record); err != nil {
		a.log.Warn("session payload corrupted, trying backups", zap.Error(err))
		return a.recoverFromBackup()
	}
	if record.SessionID == "" {
		return a.recoverFromBackup()
	}
	return &record, nil
}

// recoverFromBackup scans the rotating slots newest-first and returns the
// first structurally valid record.
func (a *Adapter) recoverFromBackup() (*types.SessionRecord, error) {
	if !a.cfg.EnableBackup || a.cfg.MaxBackups <= 0 {
		return nil, ErrSessionNotFound
	}

	a.mu.Lock()
	cursor := a.cursor
	a.mu.Unlock()
	if cursor < 0 {
		cursor = a.cfg.MaxBackups - 1
	}

	for i := 0; i < a.cfg.MaxBackups; i++ {
		slot := (cursor - i + a.cfg.MaxBackups) % a.cfg.MaxBackups
		data, err := a.read(backupSlotKey(slot))
		if err != nil {
			continue
		}
		var record types.SessionRecord
		if err := a.codec.Unmarshal(data, &record); err != nil || record.SessionID == "" {
			continue
		}
		a.log.Info("session recovered from backup slot",
			zap.Int("slot", slot),
			zap.String("session_id", record.SessionID))
		return &record, nil
	}
	return nil, ErrSessionNotFound
}

// IsSessionAvailable reports whether a fresh-enough session exists, without
// deserializing the full payload.
func (a *Adapter) IsSessionAvailable() bool {
	meta, err := a.GetMetadata()
	if err != nil {
		return false
	}
	return time.Since(meta.LastSaved) <= a.cfg.FreshnessWindow
}

// GetMetadata returns the metadata blob.
func (a *Adapter) GetMetadata() (*Metadata, error) {
	data, err := a.medium.Get(keyMeta)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := a.codec.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("metadata corrupted: %w", err)
	}
	return &meta, nil
}

// SaveThrottled coalesces bursts of saves. The first call in a quiet period
// writes immediately; further calls within the throttle delay replace the
// pending record and are flushed once by a trailing timer.
func (a *Adapter) SaveThrottled(record *types.SessionRecord) error {
	a.mu.Lock()
	if a.limiter.Allow() {
		a.mu.Unlock()
		return a.Save(record)
	}

	a.pending = record
	if a.trailing == nil {
		a.trailing = time.AfterFunc(a.cfg.ThrottleDelay, a.flushTrailing)
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) flushTrailing() {
	a.mu.Lock()
	record := a.pending
	a.pending = nil
	a.trailing = nil
	a.mu.Unlock()

	if record == nil {
		return
	}
	if err := a.Save(record); err != nil {
		a.log.Error("throttled save failed", zap.Error(err))
	}
}

// Delete removes the main record, its metadata, and every rotating backup
// slot. The tracker's backup log is left alone.
func (a *Adapter) Delete() error {
	if err := a.medium.Delete(keyMain); err != nil {
		return Classify("delete", err)
	}
	if err := a.medium.Delete(keyMeta); err != nil {
		return Classify("delete", err)
	}
	for i := 0; i < a.cfg.MaxBackups; i++ {
		if err := a.medium.Delete(backupSlotKey(i)); err != nil {
			return Classify("delete", err)
		}
	}

	a.mu.Lock()
	a.cursor = -1
	a.mu.Unlock()

	a.emitter.Emit(events.SessionCleared, nil)
	return nil
}

// GetStorageStats sums stored value sizes per keyspace.
func (a *Adapter) GetStorageStats() (StorageStats, error) {
	var stats StorageStats

	keys, err := a.medium.Keys("")
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		data, err := a.medium.Get(key)
		if err != nil {
			continue
		}
		size := int64(len(data))
		stats.TotalBytes += size
		stats.Keys++
		switch {
		case key == keyMain || key == keyMeta:
			stats.SessionBytes += size
		case len(key) >= len(backupSlotPrefix) && key[:len(backupSlotPrefix)] == backupSlotPrefix:
			stats.BackupBytes += size
		case len(key) >= len(backupLogPrefix) && key[:len(backupLogPrefix)] == backupLogPrefix:
			stats.BackupLogBytes += size
		}
	}

	a.metrics.StorageBytes.Set(float64(stats.TotalBytes))
	return stats, nil
}

// HasStorageSpace reports whether usage is under the configured soft quota.
func (a *Adapter) HasStorageSpace() bool {
	stats, err := a.GetStorageStats()
	if err != nil {
		return true
	}
	return stats.TotalBytes < a.cfg.SoftQuotaBytes
}

// write routes through the secure store when encryption is configured.
// Write failures there surface to the caller.
func (a *Adapter) write(key string, value []byte) error {
	if a.secure != nil {
		return a.secure.Put(key, value)
	}
	return a.medium.Put(key, value)
}

// read tries the secure store first and falls back to the plain medium on
// any decrypt or envelope failure. Data written before encryption was
// enabled stays readable.
func (a *Adapter) read(key string) ([]byte, error) {
	if a.secure == nil {
		return a.medium.Get(key)
	}

	data, err := a.secure.Get(key)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	a.log.Debug("secure read failed, falling back to plain store",
		zap.String("key", key), zap.Error(err))
	return a.medium.Get(key)
}

func backupSlotKey(slot int) string {
	return fmt.Sprintf("%s%d", backupSlotPrefix, slot)
}
