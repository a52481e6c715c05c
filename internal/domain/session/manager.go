package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/shared/id"
	"github.com/keepsakehq/keepsake/backend/internal/shared/types"
)

var (
	// ErrNoActiveSession is returned by operations that require an
	// initialized session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrDisposed is returned once the manager has been shut down.
	ErrDisposed = errors.New("session manager disposed")
)

// State is the manager's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StatePaused
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateDisposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

// Store is the slice of the storage adapter the manager persists through.
type Store interface {
	Save(record *types.SessionRecord) error
	SaveThrottled(record *types.SessionRecord) error
	Load() (*types.SessionRecord, error)
	IsSessionAvailable() bool
	Delete() error
}

// ProgressCache hydrates from an adopted record and flushes on demand.
type ProgressCache interface {
	Hydrate(record *types.SessionRecord)
	FlushPendingWrites() error
	Close() error
}

// ChangeTracker flushes buffered changes and replays the backup log after
// a crash.
type ChangeTracker interface {
	SaveProgress(force bool) error
	RecoverFromCrash() (int, error)
	Dispose() error
}

// ValidationResult reports whether a loaded record is usable and, if not,
// why. Warnings do not block restoration; errors do.
type ValidationResult struct {
	IsValid    bool     `json:"is_valid"`
	CanRestore bool     `json:"can_restore"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Update is a partial session mutation. Nil fields are left untouched;
// UserPreferences merges key by key rather than replacing the map.
type Update struct {
	Navigation          *types.NavigationState
	UserPreferences     map[string]interface{}
	PhotosProcessed     *int
	TotalPhotos         *int
	CategoriesCompleted []string
}

// Stats summarizes manager state for observability.
type Stats struct {
	State         string        `json:"state"`
	SessionID     string        `json:"session_id,omitempty"`
	SessionUptime time.Duration `json:"session_uptime"`
	PauseCount    int           `json:"pause_count"`
	WasRestored   bool          `json:"was_restored"`
}

// Manager owns the session lifecycle: it initializes exactly one session
// per app launch by adopting a persisted record or creating a fresh one,
// mediates mutation and persistence while the app runs, and winds the
// session down on pause and dispose. All collaborators are injected; the
// manager is the only component that decides which record is current.
type Manager struct {
	store   Store
	cache   ProgressCache
	tracker ChangeTracker
	cfg     config.SessionConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
	emitter *events.Emitter

	mu       sync.RWMutex
	state    State
	current  *types.SessionRecord
	pausedAt time.Time
	restored bool
}

// NewManager wires the manager to its collaborators. Nothing touches
// storage until Initialize.
func NewManager(store Store, cache ProgressCache, tracker ChangeTracker, cfg config.SessionConfig, log *logging.Logger, metrics *monitoring.Metrics, emitter *events.Emitter) *Manager {
	return &Manager{
		store:   store,
		cache:   cache,
		tracker: tracker,
		cfg:     cfg,
		log:     log.Named("session"),
		metrics: metrics,
		emitter: emitter,
	}
}

// Initialize adopts the persisted session if one is available and valid,
// otherwise creates a fresh one. Calling it again on an initialized
// manager returns the current session unchanged.
func (m *Manager) Initialize() (*types.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateDisposed:
		return nil, ErrDisposed
	case StateActive, StatePaused:
		return m.current.Clone(), nil
	}
	m.state = StateInitializing

	record, adopted := m.loadCandidateLocked()
	now := time.Now()

	if adopted {
		m.detectCrashLocked(record, now)
		record.Lifecycle.IsActive = true
		record.Lifecycle.IsPaused = false
		record.Lifecycle.ResumedAt = &now
		m.restored = true
		m.metrics.SessionsRestored.Inc()
		m.log.Info("restored session",
			zap.String("session_id", record.SessionID),
			zap.Time("last_saved", record.LastSaved))
	} else {
		prev := record
		record = m.freshRecordLocked(prev, now)
		m.restored = false
		m.metrics.SessionsCreated.Inc()
		m.log.Info("created fresh session", zap.String("session_id", record.SessionID))
	}

	record.LastSaved = now
	if err := m.store.Save(record); err != nil {
		m.state = StateUninitialized
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.current = record
	m.state = StateActive
	m.cache.Hydrate(record)
	if adopted {
		m.emitter.Emit(events.SessionLoaded, record.SessionID)
	}
	return record.Clone(), nil
}

// loadCandidateLocked returns the persisted record and whether it should
// be adopted. A missing, unreadable, or non-restorable record yields
// (prev, false) where prev may carry forward cross-session metadata.
func (m *Manager) loadCandidateLocked() (*types.SessionRecord, bool) {
	if !m.store.IsSessionAvailable() {
		return nil, false
	}

	record, err := m.store.Load()
	if err != nil {
		m.log.Warn("could not load persisted session", zap.Error(err))
		return nil, false
	}

	result := m.validateLocked(record, m.cfg.StrictValidation)
	if !result.CanRestore {
		m.log.Info("persisted session not restorable",
			zap.Strings("errors", result.Errors),
			zap.Strings("warnings", result.Warnings))
		return record, false
	}
	for _, w := range result.Warnings {
		m.log.Warn("session validation warning", zap.String("warning", w))
	}
	return record, true
}

// detectCrashLocked checks whether the previous process died while the
// session was still active. If so the tracker replays its backup log
// before normal operation resumes.
func (m *Manager) detectCrashLocked(record *types.SessionRecord, now time.Time) {
	if !record.Lifecycle.IsActive || record.Lifecycle.IsPaused {
		return
	}

	record.Metadata.CrashRecoveryAttempt++
	record.Metadata.LastCrashTime = &now
	count, err := m.tracker.RecoverFromCrash()
	if err != nil {
		m.log.Warn("crash recovery failed", zap.Error(err))
		return
	}
	m.log.Info("previous session ended uncleanly",
		zap.Int("recovered_changes", count),
		zap.Int("recovery_attempts", record.Metadata.CrashRecoveryAttempt))
}

// freshRecordLocked builds a new session, carrying forward the install ID
// and cumulative counters from a previous record when one exists.
func (m *Manager) freshRecordLocked(prev *types.SessionRecord, now time.Time) *types.SessionRecord {
	meta := types.SessionMetadata{InstallID: uuid.NewString()}
	if prev != nil {
		meta = prev.Metadata
		if meta.InstallID == "" {
			meta.InstallID = uuid.NewString()
		}
	}
	meta.TotalSessions++

	return &types.SessionRecord{
		SessionID: id.NewSessionID().String(),
		Version:   types.SchemaVersion,
		Navigation: types.NavigationState{
			CurrentScreen: "home",
		},
		Progress: types.ProgressState{
			SessionStartTime: now,
			CategoryMemory:   map[string]types.CategoryProgress{},
		},
		UndoState: types.UndoState{
			MaxUndoActions: m.cfg.MaxUndoActions,
		},
		Metadata: meta,
		Lifecycle: types.LifecycleState{
			IsActive:  true,
			ResumedAt: &now,
		},
	}
}

// GetCurrentSession returns a snapshot of the live record.
func (m *Manager) GetCurrentSession() (*types.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, ErrNoActiveSession
	}
	return m.current.Clone(), nil
}

// UpdateSession merges a partial update into the live record. Only fields
// present in the update change; everything else is preserved.
func (m *Manager) UpdateSession(update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisposed {
		return ErrDisposed
	}
	if m.current == nil {
		return ErrNoActiveSession
	}

	if update.Navigation != nil {
		m.current.Navigation = *update.Navigation
	}
	if update.UserPreferences != nil {
		if m.current.UserPreferences == nil {
			m.current.UserPreferences = make(map[string]interface{}, len(update.UserPreferences))
		}
		for k, v := range update.UserPreferences {
			m.current.UserPreferences[k] = v
		}
	}
	if update.PhotosProcessed != nil {
		m.current.Progress.PhotosProcessed = *update.PhotosProcessed
	}
	if update.TotalPhotos != nil {
		m.current.Progress.TotalPhotos = *update.TotalPhotos
	}
	if update.CategoriesCompleted != nil {
		m.current.Progress.CategoriesCompleted = append([]string(nil), update.CategoriesCompleted...)
	}
	m.current.LastSaved = time.Now()
	return nil
}

// PushUndoAction records a reversible decision on the bounded undo stack,
// newest first. Actions without an ID get one assigned.
func (m *Manager) PushUndoAction(action types.UndoableAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoActiveSession
	}

	if action.ID == "" {
		action.ID = id.NewUndoID().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}

	stack := append([]types.UndoableAction{action}, m.current.UndoState.UndoStack...)
	if max := m.current.UndoState.MaxUndoActions; max > 0 && len(stack) > max {
		stack = stack[:max]
	}
	m.current.UndoState.UndoStack = stack
	return nil
}

// PopUndoAction removes and returns the most recent undoable action.
func (m *Manager) PopUndoAction() (types.UndoableAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return types.UndoableAction{}, ErrNoActiveSession
	}
	if len(m.current.UndoState.UndoStack) == 0 {
		return types.UndoableAction{}, errors.New("undo stack empty")
	}

	action := m.current.UndoState.UndoStack[0]
	m.current.UndoState.UndoStack = m.current.UndoState.UndoStack[1:]
	now := time.Now()
	m.current.UndoState.LastUndoTimestamp = &now
	return action, nil
}

// SaveSession persists the live record immediately. Errors surface to the
// caller.
func (m *Manager) SaveSession() error {
	record, err := m.snapshotForSave()
	if err != nil {
		return err
	}
	return m.store.Save(record)
}

// SaveSessionThrottled persists the live record through the adapter's
// write throttle. Burst callers coalesce into one eventual write.
func (m *Manager) SaveSessionThrottled() error {
	record, err := m.snapshotForSave()
	if err != nil {
		return err
	}
	return m.store.SaveThrottled(record)
}

func (m *Manager) snapshotForSave() (*types.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisposed {
		return nil, ErrDisposed
	}
	if m.current == nil {
		return nil, ErrNoActiveSession
	}
	m.current.LastSaved = time.Now()
	record := m.current.Clone()
	m.preserveCacheSubtree(record)
	return record, nil
}

// preserveCacheSubtree copies the cache-owned progress subtrees from the
// persisted record into an outgoing snapshot. The manager's in-memory copy
// of category progress goes stale the moment the cache flushes, so a
// manager save must never write it back.
func (m *Manager) preserveCacheSubtree(record *types.SessionRecord) {
	persisted, err := m.store.Load()
	if err != nil {
		return
	}
	record.Progress.CategoryMemory = persisted.Progress.CategoryMemory
	record.Progress.NavigationHistory = persisted.Progress.NavigationHistory
	record.Progress.MaxHistoryEntries = persisted.Progress.MaxHistoryEntries
}

// ValidateSession checks a record for restorability. Structural problems
// and timestamps in the future are hard errors in both modes. An expired
// record is invalid in either mode, but in the default mode it remains
// restorable with a warning; strict mode blocks restoration too.
// CanRestore, not IsValid, decides whether a record is adopted.
func (m *Manager) ValidateSession(record *types.SessionRecord, strict bool) ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(record, strict)
}

func (m *Manager) validateLocked(record *types.SessionRecord, strict bool) ValidationResult {
	result := ValidationResult{IsValid: true, CanRestore: true}
	fail := func(msg string) {
		result.IsValid = false
		result.CanRestore = false
		result.Errors = append(result.Errors, msg)
	}
	soft := func(msg string) {
		if strict {
			fail(msg)
			return
		}
		result.Warnings = append(result.Warnings, msg)
	}

	if record == nil {
		fail("record is nil")
		return result
	}
	if record.SessionID == "" {
		fail("missing session id")
	} else if !id.HasPrefix(record.SessionID, "sess") {
		soft("unrecognized session id format")
	}
	if !schemaCompatible(record.Version) {
		fail(fmt.Sprintf("incompatible schema version %q", record.Version))
	}

	now := time.Now()
	if pa := record.Lifecycle.PausedAt; pa != nil && pa.After(now) {
		fail("paused timestamp is in the future")
	}
	if record.LastSaved.IsZero() {
		fail("record was never saved")
	} else if record.LastSaved.After(now) {
		fail("last saved timestamp is in the future")
	} else if age := now.Sub(record.LastSaved); age > m.cfg.ExpiryTime {
		if strict {
			fail(fmt.Sprintf("session expired %s ago", (age - m.cfg.ExpiryTime).Round(time.Second)))
		} else {
			result.IsValid = false
			result.Warnings = append(result.Warnings, "session expired")
		}
	}

	if record.Progress.PhotosProcessed < 0 {
		soft("negative photos processed")
	}
	for cid, p := range record.Progress.CategoryMemory {
		if p.TotalPhotos > 0 && p.CompletedPhotos > p.TotalPhotos {
			soft(fmt.Sprintf("category %s completed exceeds total", cid))
		}
	}
	return result
}

// schemaCompatible accepts records whose major schema version matches the
// current one.
func schemaCompatible(version string) bool {
	cur, _, _ := strings.Cut(types.SchemaVersion, ".")
	got, _, ok := strings.Cut(version, ".")
	return ok && got == cur
}

// Pause transitions the session to the background. Persistence is best
// effort: the app may be suspended at any moment, so failures are logged
// rather than blocking the transition. Pausing while paused is a no-op.
func (m *Manager) Pause() error {
	m.mu.Lock()
	switch m.state {
	case StateDisposed:
		m.mu.Unlock()
		return ErrDisposed
	case StatePaused:
		m.mu.Unlock()
		return nil
	case StateUninitialized, StateInitializing:
		m.mu.Unlock()
		return ErrNoActiveSession
	}

	now := time.Now()
	m.state = StatePaused
	m.pausedAt = now
	m.current.Lifecycle.IsActive = false
	m.current.Lifecycle.IsPaused = true
	m.current.Lifecycle.PausedAt = &now
	m.current.Lifecycle.PauseCount++
	m.current.LastSaved = now
	m.mu.Unlock()

	m.metrics.PausesTotal.Inc()
	if err := m.cache.FlushPendingWrites(); err != nil {
		m.log.Warn("pause flush failed", zap.Error(err))
	}
	if err := m.tracker.SaveProgress(true); err != nil {
		m.log.Warn("pause tracker save failed", zap.Error(err))
	}
	if record, err := m.snapshotForSave(); err == nil {
		if err := m.store.Save(record); err != nil {
			m.log.Warn("pause save failed", zap.Error(err))
		}
	}
	return nil
}

// Resume brings a paused session back. A session that stayed backgrounded
// past the configured limit, or whose persisted record no longer passes
// validation, is replaced by a fresh one. Storage trouble during resume
// also yields a fresh session rather than an error. Resuming an active
// session is a no-op.
func (m *Manager) Resume() error {
	m.mu.Lock()
	switch m.state {
	case StateDisposed:
		m.mu.Unlock()
		return ErrDisposed
	case StateActive:
		m.mu.Unlock()
		return nil
	case StateUninitialized, StateInitializing:
		m.mu.Unlock()
		return ErrNoActiveSession
	}

	now := time.Now()
	backgrounded := now.Sub(m.pausedAt)
	turnover := backgrounded > m.cfg.MaxBackgroundTime
	if !turnover {
		if persisted, err := m.store.Load(); err != nil {
			turnover = true
		} else if res := m.validateLocked(persisted, m.cfg.StrictValidation); !res.CanRestore {
			turnover = true
		}
	}

	if turnover {
		m.log.Info("session not restorable after background stay, starting fresh",
			zap.Duration("backgrounded", backgrounded))
		fresh := m.freshRecordLocked(m.current, now)
		fresh.LastSaved = now
		m.current = fresh
		m.restored = false
		m.state = StateActive
		record := fresh.Clone()
		m.mu.Unlock()

		m.metrics.SessionsCreated.Inc()
		m.cache.Hydrate(record)
		if err := m.store.Save(record); err != nil {
			m.log.Warn("resume save failed", zap.Error(err))
		}
		return nil
	}

	m.current.Lifecycle.IsActive = true
	m.current.Lifecycle.IsPaused = false
	m.current.Lifecycle.ResumedAt = &now
	m.current.Lifecycle.BackgroundDuration = backgrounded
	m.current.Lifecycle.TotalPauseTime += backgrounded
	m.current.LastSaved = now
	m.state = StateActive
	record := m.current.Clone()
	m.mu.Unlock()

	m.preserveCacheSubtree(record)
	if err := m.store.Save(record); err != nil {
		m.log.Warn("resume save failed", zap.Error(err))
	}
	return nil
}

// ClearSession removes the persisted session and returns the manager to
// its uninitialized state. The backup log is left for crash forensics.
func (m *Manager) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisposed {
		return ErrDisposed
	}
	if err := m.store.Delete(); err != nil {
		return err
	}
	m.current = nil
	m.state = StateUninitialized
	return nil
}

// AddEventListener subscribes to a session event. The returned
// subscription is passed to RemoveEventListener to detach.
func (m *Manager) AddEventListener(event string, h events.Handler) events.Subscription {
	return m.emitter.Subscribe(event, h)
}

// RemoveEventListener detaches a previously added listener.
func (m *Manager) RemoveEventListener(sub events.Subscription) {
	m.emitter.Unsubscribe(sub)
}

// GetStats reports the manager's current lifecycle position.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{State: m.state.String(), WasRestored: m.restored}
	if m.current != nil {
		stats.SessionID = m.current.SessionID
		stats.PauseCount = m.current.Lifecycle.PauseCount
		if !m.current.Progress.SessionStartTime.IsZero() {
			stats.SessionUptime = time.Since(m.current.Progress.SessionStartTime)
		}
	}
	return stats
}

// Dispose winds the session down: flush everything, stamp the final
// duration, persist one last time. Further calls are no-ops.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDisposed
	m.mu.Unlock()

	if err := m.cache.Close(); err != nil {
		m.log.Warn("cache close failed", zap.Error(err))
	}
	if err := m.tracker.Dispose(); err != nil {
		m.log.Warn("tracker dispose failed", zap.Error(err))
	}

	m.mu.Lock()
	var record *types.SessionRecord
	if m.current != nil {
		now := time.Now()
		m.current.Lifecycle.IsActive = false
		if !m.current.Progress.SessionStartTime.IsZero() {
			m.current.Metadata.LastSessionDuration = now.Sub(m.current.Progress.SessionStartTime)
		}
		m.current.LastSaved = now
		record = m.current.Clone()
	}
	m.mu.Unlock()

	if record != nil {
		m.preserveCacheSubtree(record)
		return m.store.Save(record)
	}
	return nil
}
