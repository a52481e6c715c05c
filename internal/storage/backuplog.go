package storage

import (
	"fmt"
	"time"
)

// BackupChange is one keyed change inside a backup log record.
type BackupChange struct {
	Key       string      `json:"key"`
	Data      interface{} `json:"data"`
	Priority  string      `json:"priority"`
	Timestamp time.Time   `json:"timestamp"`
}

// BackupRecord is one append-style snapshot written by the change tracker.
// Records are keyed by a ULID-suffixed key, so lexicographic key order is
// creation order and the largest key is the most recent snapshot.
type BackupRecord struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ChangeCount int            `json:"change_count"`
	Priorities  map[string]int `json:"priorities"`
	Changes     []BackupChange `json:"changes"`
}

// AppendBackupRecord writes a new backup log record. Existing records are
// never overwritten.
func (a *Adapter) AppendBackupRecord(rec *BackupRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("backup record requires an id")
	}

	data, _, err := a.codec.Marshal(rec)
	if err != nil {
		return &StorageError{Code: CodeSerializationFailed, Op: "backup", Err: err}
	}
	if err := a.write(backupLogPrefix+rec.ID, data); err != nil {
		return Classify("backup", err)
	}
	return nil
}

// ListBackupRecordKeys returns backup log keys sorted oldest-first.
func (a *Adapter) ListBackupRecordKeys() ([]string, error) {
	return a.medium.Keys(backupLogPrefix)
}

// LoadBackupRecord reads one backup log record by its full key.
func (a *Adapter) LoadBackupRecord(key string) (*BackupRecord, error) {
	data, err := a.read(key)
	if err != nil {
		return nil, err
	}
	var rec BackupRecord
	if err := a.codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("backup record corrupted: %w", err)
	}
	return &rec, nil
}

// LatestBackupRecord returns the most recent structurally valid record, or
// ErrKeyNotFound when the log is empty.
func (a *Adapter) LatestBackupRecord() (*BackupRecord, error) {
	keys, err := a.ListBackupRecordKeys()
	if err != nil {
		return nil, err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		rec, err := a.LoadBackupRecord(keys[i])
		if err != nil {
			continue
		}
		return rec, nil
	}
	return nil, ErrKeyNotFound
}

// PruneBackupRecords deletes all but the keep most recent records and
// returns how many were removed.
func (a *Adapter) PruneBackupRecords(keep int) (int, error) {
	keys, err := a.ListBackupRecordKeys()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}

	removed := 0
	for i := 0; i < len(keys)-keep; i++ {
		if err := a.medium.Delete(keys[i]); err != nil {
			return removed, Classify("prune", err)
		}
		removed++
	}

	a.metrics.BackupRecords.Set(float64(min(len(keys), keep)))
	return removed, nil
}
