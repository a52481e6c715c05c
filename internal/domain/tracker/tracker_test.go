package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/storage"
)

type fakeBackupStore struct {
	mu          sync.Mutex
	records     []*storage.BackupRecord
	failAppends int
	appendDelay time.Duration
	onAppend    func()
}

func (s *fakeBackupStore) AppendBackupRecord(rec *storage.BackupRecord) error {
	if s.appendDelay > 0 {
		time.Sleep(s.appendDelay)
	}
	if s.onAppend != nil {
		s.onAppend()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends > 0 {
		s.failAppends--
		return errors.New("medium unavailable")
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *fakeBackupStore) LatestBackupRecord() (*storage.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, storage.ErrKeyNotFound
	}
	return s.records[len(s.records)-1], nil
}

func (s *fakeBackupStore) PruneBackupRecords(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	removed := len(s.records) - keep
	if removed <= 0 {
		return 0, nil
	}
	s.records = s.records[removed:]
	return removed, nil
}

func (s *fakeBackupStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testTrackerConfig() config.TrackerConfig {
	return config.TrackerConfig{
		AutoSaveEnabled:       false,
		AutoSaveInterval:      time.Hour,
		CriticalSaveDelay:     time.Hour,
		BackgroundSaveTimeout: time.Second,
		MaxRetryAttempts:      3,
		RetryBackoffBase:      time.Millisecond,
		RetryBackoffMax:       5 * time.Millisecond,
		BatchSize:             50,
		MaxBackupRecords:      5,
	}
}

func newTestTracker(t *testing.T, store BackupStore, cfg config.TrackerConfig) (*Tracker, *events.Emitter) {
	t.Helper()
	emitter := events.NewEmitter()
	tr := NewTracker(store, cfg, logging.NewNop(), monitoring.NewMetrics(), emitter)
	t.Cleanup(func() { _ = tr.Dispose() })
	return tr, emitter
}

func TestFlushOrdersByPriorityThenTime(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	base := time.Now()
	tr.TrackChange(ProgressChange{Key: "c", Priority: PriorityLow, Timestamp: base.Add(3 * time.Second)})
	tr.TrackChange(ProgressChange{Key: "a", Priority: PriorityCritical, Timestamp: base.Add(time.Second)})
	tr.TrackChange(ProgressChange{Key: "b", Priority: PriorityNormal, Timestamp: base.Add(2 * time.Second)})

	require.NoError(t, tr.SaveProgress(true))
	require.Equal(t, 1, store.recordCount())

	rec := store.records[0]
	require.Len(t, rec.Changes, 3)
	assert.Equal(t, "a", rec.Changes[0].Key)
	assert.Equal(t, "b", rec.Changes[1].Key)
	assert.Equal(t, "c", rec.Changes[2].Key)
	assert.Equal(t, 1, rec.Priorities["critical"])
	assert.Equal(t, 0, tr.GetTrackingStats().PendingChanges)
}

func TestLastWriteWins(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	tr.TrackChange(ProgressChange{Key: "photo", Data: 1, Priority: PriorityCritical})
	tr.TrackChange(ProgressChange{Key: "photo", Data: 2, Priority: PriorityNormal})

	require.NoError(t, tr.SaveProgress(true))
	rec := store.records[0]
	require.Len(t, rec.Changes, 1)
	assert.Equal(t, 2, rec.Changes[0].Data)
	assert.Equal(t, "normal", rec.Changes[0].Priority)
}

func TestFlushSplitsIntoBatches(t *testing.T) {
	store := &fakeBackupStore{}
	cfg := testTrackerConfig()
	cfg.BatchSize = 2
	tr, _ := newTestTracker(t, store, cfg)

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		tr.TrackChange(ProgressChange{Key: key, Priority: PriorityNormal})
	}

	require.NoError(t, tr.SaveProgress(true))
	assert.Equal(t, 3, store.recordCount())
	assert.Equal(t, 2, store.records[0].ChangeCount)
	assert.Equal(t, 1, store.records[2].ChangeCount)
}

func TestFailedFlushKeepsChangesBuffered(t *testing.T) {
	store := &fakeBackupStore{failAppends: 1}
	cfg := testTrackerConfig()
	cfg.RetryBackoffBase = 50 * time.Millisecond
	cfg.RetryBackoffMax = 50 * time.Millisecond
	tr, _ := newTestTracker(t, store, cfg)

	tr.TrackChange(ProgressChange{Key: "k", Priority: PriorityNormal})
	require.Error(t, tr.SaveProgress(true))
	assert.Equal(t, 1, tr.GetTrackingStats().PendingChanges, "a failed batch stays in the buffer")

	assert.Eventually(t, func() bool {
		return store.recordCount() == 1 && tr.GetTrackingStats().PendingChanges == 0
	}, time.Second, 5*time.Millisecond, "the armed retry flushes once the medium recovers")
	assert.Equal(t, 0, tr.GetTrackingStats().ChangesDropped)
}

func TestOutageLongerThanOneFlushStillDelivers(t *testing.T) {
	store := &fakeBackupStore{failAppends: 3}
	cfg := testTrackerConfig()
	cfg.MaxRetryAttempts = 3
	tr, _ := newTestTracker(t, store, cfg)

	tr.TrackChange(ProgressChange{Key: "k", Data: 7, Priority: PriorityNormal})
	require.Error(t, tr.SaveProgress(true))

	assert.Eventually(t, func() bool {
		return store.recordCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.GetTrackingStats().ChangesDropped)
	assert.Equal(t, 0, tr.GetTrackingStats().PendingChanges)
}

func TestRetryExhaustionDropsAndReports(t *testing.T) {
	store := &fakeBackupStore{failAppends: 100}
	cfg := testTrackerConfig()
	cfg.MaxRetryAttempts = 2
	tr, emitter := newTestTracker(t, store, cfg)

	var droppedKeys []string
	var mu sync.Mutex
	emitter.Subscribe(events.ChangesDropped, func(_ string, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		droppedKeys = payload.([]string)
	})

	tr.TrackChange(ProgressChange{Key: "doomed", Priority: PriorityNormal})
	require.Error(t, tr.SaveProgress(true))

	assert.Eventually(t, func() bool {
		stats := tr.GetTrackingStats()
		return stats.ChangesDropped == 1 && stats.PendingChanges == 0
	}, time.Second, 5*time.Millisecond, "dropped changes leave the buffer")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doomed"}, droppedKeys)
}

func TestCriticalChangeSavesQuickly(t *testing.T) {
	store := &fakeBackupStore{}
	cfg := testTrackerConfig()
	cfg.CriticalSaveDelay = 10 * time.Millisecond
	tr, _ := newTestTracker(t, store, cfg)

	tr.TrackChange(ProgressChange{Key: "swipe", Priority: PriorityCritical})

	assert.Eventually(t, func() bool {
		return store.recordCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.GetTrackingStats().PendingChanges)
}

func TestChangeDuringFlushStaysBuffered(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	tr.TrackChange(ProgressChange{Key: "k", Data: "old", Priority: PriorityNormal})

	var once sync.Once
	store.onAppend = func() {
		once.Do(func() {
			tr.TrackChange(ProgressChange{
				Key:       "k",
				Data:      "new",
				Priority:  PriorityNormal,
				Timestamp: time.Now().Add(time.Second),
			})
		})
	}

	require.NoError(t, tr.SaveProgress(true))
	assert.Equal(t, 1, tr.GetTrackingStats().PendingChanges, "newer write must survive the flush")
}

func TestRecoverFromCrashReplaysLatestRecord(t *testing.T) {
	store := &fakeBackupStore{
		records: []*storage.BackupRecord{
			{ID: "bak_old", Changes: []storage.BackupChange{{Key: "stale"}}},
			{ID: "bak_new", Changes: []storage.BackupChange{
				{Key: "photo_index", Data: float64(12), Priority: "critical"},
				{Key: "category", Data: "2024-01", Priority: "normal"},
			}},
		},
	}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	count, err := tr.RecoverFromCrash()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, tr.GetTrackingStats().PendingChanges)

	// Replayed changes flush at normal priority regardless of origin.
	require.NoError(t, tr.SaveProgress(true))
	latest, err := store.LatestBackupRecord()
	require.NoError(t, err)
	for _, c := range latest.Changes {
		assert.Equal(t, "normal", c.Priority)
	}
}

func TestRecoverFromCrashEmptyLog(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	count, err := tr.RecoverFromCrash()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFlushPrunesBackupLog(t *testing.T) {
	store := &fakeBackupStore{}
	for i := 0; i < 8; i++ {
		store.records = append(store.records, &storage.BackupRecord{ID: "bak_seed"})
	}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	tr.TrackChange(ProgressChange{Key: "k", Priority: PriorityNormal})
	require.NoError(t, tr.SaveProgress(true))
	assert.Equal(t, 5, store.recordCount())
}

func TestBackgroundTransitionFlushesEverything(t *testing.T) {
	store := &fakeBackupStore{}
	cfg := testTrackerConfig()
	cfg.AutoSaveEnabled = true
	tr, _ := newTestTracker(t, store, cfg)

	var sessionSaves int
	var mu sync.Mutex
	tr.SetSessionSaver(func() error {
		mu.Lock()
		defer mu.Unlock()
		sessionSaves++
		return nil
	})

	tr.TrackChange(ProgressChange{Key: "k", Priority: PriorityNormal})
	tr.HandleAppStateChange(AppStateBackground)

	mu.Lock()
	assert.Equal(t, 1, sessionSaves)
	mu.Unlock()
	assert.Equal(t, 1, store.recordCount())
	stats := tr.GetTrackingStats()
	assert.False(t, stats.AutoSaveRunning)
	assert.Equal(t, string(AppStateBackground), stats.CurrentAppState)

	tr.HandleAppStateChange(AppStateActive)
	stats = tr.GetTrackingStats()
	assert.True(t, stats.AutoSaveRunning)
	assert.Equal(t, string(AppStateActive), stats.CurrentAppState)
}

func TestBackgroundSaveHonorsDeadline(t *testing.T) {
	store := &fakeBackupStore{appendDelay: 300 * time.Millisecond}
	cfg := testTrackerConfig()
	cfg.BackgroundSaveTimeout = 20 * time.Millisecond
	cfg.MaxRetryAttempts = 1
	tr, _ := newTestTracker(t, store, cfg)

	tr.TrackChange(ProgressChange{Key: "k", Priority: PriorityNormal})

	start := time.Now()
	tr.HandleAppStateChange(AppStateBackground)
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"a slow medium must not block the state transition")

	assert.True(t, tr.GetTrackingStats().BackgroundTaskActive,
		"the save keeps running past the deadline")
	assert.Eventually(t, func() bool {
		return !tr.GetTrackingStats().BackgroundTaskActive
	}, time.Second, 10*time.Millisecond)
}

type fakeStateSource struct {
	ch chan AppState
}

func (s *fakeStateSource) States() <-chan AppState { return s.ch }

func TestWatchDrivesStateTransitions(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	source := &fakeStateSource{ch: make(chan AppState)}
	tr.Watch(source)

	tr.TrackChange(ProgressChange{Key: "k", Priority: PriorityNormal})
	source.ch <- AppStateBackground
	close(source.ch)

	assert.Eventually(t, func() bool {
		return store.recordCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEmptyBufferFlushIsNoop(t *testing.T) {
	store := &fakeBackupStore{}
	tr, _ := newTestTracker(t, store, testTrackerConfig())

	require.NoError(t, tr.SaveProgress(true))
	assert.Equal(t, 0, store.recordCount())
}
