package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/resilience"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/shared/id"
	"github.com/keepsakehq/keepsake/backend/internal/storage"
)

// Priority orders buffered changes. Lower values flush first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ProgressChange is one buffered mutation keyed by the field it touches.
// A later change to the same key replaces the earlier one. RetryCount
// counts failed flush attempts; it is managed by the tracker.
type ProgressChange struct {
	Key        string      `json:"key"`
	Data       interface{} `json:"data"`
	Priority   Priority    `json:"priority"`
	Timestamp  time.Time   `json:"timestamp"`
	RetryCount int         `json:"retry_count,omitempty"`
}

// AppState mirrors the host platform's app lifecycle notifications.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
)

// AppStateSource is the bridge to the host platform's lifecycle
// notifications.
type AppStateSource interface {
	// States yields lifecycle transitions until the source closes the
	// channel.
	States() <-chan AppState
}

// BackupStore is the slice of the storage adapter the tracker persists
// through.
type BackupStore interface {
	AppendBackupRecord(rec *storage.BackupRecord) error
	LatestBackupRecord() (*storage.BackupRecord, error)
	PruneBackupRecords(keep int) (int, error)
}

// SaveFunc persists the full session record. The tracker invokes it before
// flushing its own buffer when the app is about to be suspended.
type SaveFunc func() error

// Stats reports tracker counters for observability.
type Stats struct {
	PendingChanges       int       `json:"pending_changes"`
	LastSaveTime         time.Time `json:"last_save_time"`
	SavesCompleted       int       `json:"saves_completed"`
	ChangesDropped       int       `json:"changes_dropped"`
	AutoSaveRunning      bool      `json:"auto_save_running"`
	CurrentAppState      string    `json:"current_app_state"`
	BackgroundTaskActive bool      `json:"background_task_active"`
}

// Tracker buffers progress changes in memory and flushes them to the
// backup log in priority order. Critical changes trigger a near-immediate
// save, everything else rides the periodic auto-save or an explicit flush.
type Tracker struct {
	store   BackupStore
	cfg     config.TrackerConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
	emitter *events.Emitter
	backoff resilience.Backoff

	mu           sync.Mutex
	pending      map[string]ProgressChange
	sessionSave  SaveFunc
	criticalSave *time.Timer
	retryTimer   *time.Timer
	retryAttempt int
	autoStop     chan struct{}
	saving       bool
	lastSave     time.Time
	savesDone    int
	dropped      int
	appState     AppState
	bgActive     bool
	disposed     bool
}

// NewTracker creates a tracker over the backup store. Auto-save starts
// immediately when the config enables it.
func NewTracker(store BackupStore, cfg config.TrackerConfig, log *logging.Logger, metrics *monitoring.Metrics, emitter *events.Emitter) *Tracker {
	t := &Tracker{
		store:    store,
		cfg:      cfg,
		log:      log.Named("tracker"),
		metrics:  metrics,
		emitter:  emitter,
		backoff:  resilience.New(cfg.RetryBackoffBase, cfg.RetryBackoffMax),
		pending:  make(map[string]ProgressChange),
		appState: AppStateActive,
	}

	if cfg.AutoSaveEnabled {
		t.mu.Lock()
		t.startAutoSaveLocked()
		t.mu.Unlock()
	}
	return t
}

// SetSessionSaver registers the full-record save used on background
// transitions.
func (t *Tracker) SetSessionSaver(fn SaveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionSave = fn
}

// TrackChange buffers a change. The last write for a key wins outright;
// no history is kept. A critical change arms a one-shot save shortly
// after.
func (t *Tracker) TrackChange(change ProgressChange) {
	if change.Key == "" {
		return
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	change.RetryCount = 0

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}
	t.pending[change.Key] = change
	t.metrics.ChangesTracked.WithLabelValues(change.Priority.String()).Inc()
	t.metrics.SetPending(len(t.pending))

	if change.Priority == PriorityCritical && t.criticalSave == nil {
		t.criticalSave = time.AfterFunc(t.cfg.CriticalSaveDelay, func() {
			t.mu.Lock()
			t.criticalSave = nil
			t.mu.Unlock()
			if err := t.SaveProgress(true); err != nil {
				t.log.Warn("critical save failed", zap.Error(err))
			}
		})
	}
}

// SaveProgress flushes the buffered changes to the backup log. Changes are
// ordered by priority, then by timestamp, and written in batches; each
// batch is one backup record. A failed batch stays buffered with each
// change's retry count bumped and a backoff retry armed; changes whose
// count exceeds the budget are dropped and reported. When force is false
// a flush already in flight makes this a no-op.
func (t *Tracker) SaveProgress(force bool) error {
	t.mu.Lock()
	if t.saving && !force {
		t.mu.Unlock()
		return nil
	}
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.saving = true
	snap := make([]ProgressChange, 0, len(t.pending))
	for _, c := range t.pending {
		snap = append(snap, c)
	}
	t.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if snap[i].Priority != snap[j].Priority {
			return snap[i].Priority < snap[j].Priority
		}
		return snap[i].Timestamp.Before(snap[j].Timestamp)
	})

	var firstErr error
	written := make([]ProgressChange, 0, len(snap))
	for start := 0; start < len(snap); start += t.batchSize() {
		end := min(start+t.batchSize(), len(snap))
		batch := snap[start:end]

		if err := t.writeBatch(batch); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.requeueBatch(batch, err)
			continue
		}
		written = append(written, batch...)
	}

	if _, err := t.store.PruneBackupRecords(t.cfg.MaxBackupRecords); err != nil {
		t.log.Warn("backup prune failed", zap.Error(err))
	}

	t.clearFlushed(written)

	t.mu.Lock()
	t.saving = false
	if firstErr == nil {
		t.lastSave = time.Now()
		t.savesDone++
		t.retryAttempt = 0
	} else {
		t.scheduleRetryLocked()
	}
	t.mu.Unlock()

	return firstErr
}

// HandleAppStateChange reacts to host lifecycle transitions. Moving to the
// background flushes everything under a hard deadline; the app may be
// suspended at any moment, so a slow medium must not hold the main thread
// hostage. Returning to the foreground restarts auto-save.
func (t *Tracker) HandleAppStateChange(state AppState) {
	switch state {
	case AppStateBackground, AppStateInactive:
		t.mu.Lock()
		t.appState = state
		t.stopAutoSaveLocked()
		save := t.sessionSave
		t.bgActive = true
		t.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			defer func() {
				t.mu.Lock()
				t.bgActive = false
				t.mu.Unlock()
			}()
			if save != nil {
				if err := save(); err != nil {
					done <- err
					return
				}
			}
			done <- t.SaveProgress(true)
		}()

		select {
		case err := <-done:
			if err != nil {
				t.log.Warn("background save failed", zap.Error(err))
			}
		case <-time.After(t.cfg.BackgroundSaveTimeout):
			t.log.Warn("background save deadline exceeded",
				zap.Duration("timeout", t.cfg.BackgroundSaveTimeout))
		}

	case AppStateActive:
		t.mu.Lock()
		t.appState = state
		if t.cfg.AutoSaveEnabled && !t.disposed {
			t.startAutoSaveLocked()
		}
		t.mu.Unlock()
	}
}

// Watch consumes lifecycle transitions from the source until its channel
// closes or the tracker is disposed.
func (t *Tracker) Watch(source AppStateSource) {
	go func() {
		for state := range source.States() {
			t.mu.Lock()
			disposed := t.disposed
			t.mu.Unlock()
			if disposed {
				return
			}
			t.HandleAppStateChange(state)
		}
	}()
}

// RecoverFromCrash replays the most recent valid backup record into the
// buffer at normal priority and trims the log. Returns the number of
// changes recovered; a missing or fully corrupted log is not an error.
func (t *Tracker) RecoverFromCrash() (int, error) {
	rec, err := t.store.LatestBackupRecord()
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			t.pruneAfterRecovery()
			return 0, nil
		}
		return 0, err
	}

	t.mu.Lock()
	for _, c := range rec.Changes {
		t.pending[c.Key] = ProgressChange{
			Key:       c.Key,
			Data:      c.Data,
			Priority:  PriorityNormal,
			Timestamp: c.Timestamp,
		}
	}
	count := len(rec.Changes)
	t.metrics.SetPending(len(t.pending))
	t.mu.Unlock()

	t.metrics.RecoveredTotal.Add(float64(count))
	t.pruneAfterRecovery()
	t.log.Info("recovered changes from backup log",
		zap.String("record_id", rec.ID),
		zap.Int("changes", count))
	return count, nil
}

// GetTrackingStats reports tracker counters.
func (t *Tracker) GetTrackingStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		PendingChanges:       len(t.pending),
		LastSaveTime:         t.lastSave,
		SavesCompleted:       t.savesDone,
		ChangesDropped:       t.dropped,
		AutoSaveRunning:      t.autoStop != nil,
		CurrentAppState:      string(t.appState),
		BackgroundTaskActive: t.bgActive,
	}
}

// Dispose stops the timers and flushes whatever is still buffered.
func (t *Tracker) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.stopAutoSaveLocked()
	if t.criticalSave != nil {
		t.criticalSave.Stop()
		t.criticalSave = nil
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.mu.Unlock()

	return t.SaveProgress(true)
}

func (t *Tracker) batchSize() int {
	if t.cfg.BatchSize <= 0 {
		return 50
	}
	return t.cfg.BatchSize
}

// writeBatch persists one batch as a single backup record.
func (t *Tracker) writeBatch(batch []ProgressChange) error {
	rec := &storage.BackupRecord{
		ID:          id.NewBackupID().String(),
		Timestamp:   time.Now(),
		ChangeCount: len(batch),
		Priorities:  make(map[string]int),
		Changes:     make([]storage.BackupChange, 0, len(batch)),
	}
	for _, c := range batch {
		rec.Priorities[c.Priority.String()]++
		rec.Changes = append(rec.Changes, storage.BackupChange{
			Key:       c.Key,
			Data:      c.Data,
			Priority:  c.Priority.String(),
			Timestamp: c.Timestamp,
		})
	}
	return t.store.AppendBackupRecord(rec)
}

// requeueBatch keeps a failed batch in the buffer with each change's retry
// count bumped. Changes past the budget leave the buffer and are reported;
// keys overwritten by a newer change while the flush ran are left to the
// newer change's own budget.
func (t *Tracker) requeueBatch(batch []ProgressChange, err error) {
	var dropped []string

	t.mu.Lock()
	for _, c := range batch {
		cur, ok := t.pending[c.Key]
		if !ok || cur.Timestamp.After(c.Timestamp) {
			continue
		}
		cur.RetryCount++
		if cur.RetryCount > t.maxRetries() {
			delete(t.pending, c.Key)
			dropped = append(dropped, c.Key)
			continue
		}
		t.pending[c.Key] = cur
	}
	t.dropped += len(dropped)
	t.metrics.SetPending(len(t.pending))
	t.mu.Unlock()

	if len(dropped) > 0 {
		t.metrics.RecordDropped(len(dropped))
		t.log.Error("dropping changes after retry budget exhausted",
			zap.Int("count", len(dropped)),
			zap.Error(err))
		t.emitter.Emit(events.ChangesDropped, dropped)
		return
	}
	t.log.Warn("backup batch write failed, keeping changes buffered",
		zap.Int("count", len(batch)),
		zap.Error(err))
}

// scheduleRetryLocked arms a one-shot flush after an exponential backoff.
// Consecutive failed flushes widen the delay; a clean flush resets it.
func (t *Tracker) scheduleRetryLocked() {
	if t.disposed || t.retryTimer != nil {
		return
	}
	delay := t.backoff.Duration(t.retryAttempt)
	t.retryAttempt++
	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.retryTimer = nil
		t.mu.Unlock()
		if err := t.SaveProgress(true); err != nil {
			t.log.Debug("retry save failed", zap.Error(err))
		}
	})
}

func (t *Tracker) maxRetries() int {
	if t.cfg.MaxRetryAttempts <= 0 {
		return 1
	}
	return t.cfg.MaxRetryAttempts
}

// clearFlushed removes flushed changes from the buffer unless a newer
// write to the same key arrived while the flush was running.
func (t *Tracker) clearFlushed(flushed []ProgressChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range flushed {
		if cur, ok := t.pending[c.Key]; ok && !cur.Timestamp.After(c.Timestamp) {
			delete(t.pending, c.Key)
		}
	}
	t.metrics.SetPending(len(t.pending))
}

func (t *Tracker) pruneAfterRecovery() {
	if _, err := t.store.PruneBackupRecords(t.cfg.MaxBackupRecords); err != nil {
		t.log.Warn("backup prune failed", zap.Error(err))
	}
}

func (t *Tracker) startAutoSaveLocked() {
	if t.autoStop != nil {
		return
	}
	stop := make(chan struct{})
	t.autoStop = stop

	go func() {
		ticker := time.NewTicker(t.cfg.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.SaveProgress(false); err != nil {
					t.log.Debug("auto-save failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

func (t *Tracker) stopAutoSaveLocked() {
	if t.autoStop != nil {
		close(t.autoStop)
		t.autoStop = nil
	}
}
