package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/types"
)

// Store is the slice of the storage adapter the cache writes through.
type Store interface {
	Load() (*types.SessionRecord, error)
	Save(record *types.SessionRecord) error
}

// CategoryPatch is a partial update to one category's progress. Nil fields
// are preserved from the cached value.
type CategoryPatch struct {
	LastPhotoID     *string
	LastPhotoIndex  *int
	TotalPhotos     *int
	CompletedPhotos *int
	KeptCount       *int
	DeletedCount    *int
	CategoryType    *types.CategoryType
}

// CacheStats reports cache health for observability.
type CacheStats struct {
	CachedCategories int       `json:"cached_categories"`
	PendingWrites    int       `json:"pending_writes"`
	LastFlushTime    time.Time `json:"last_flush_time"`
}

// Cache is the write-back cache for per-category progress and the bounded
// navigation history. Updates land in memory immediately and are flushed
// after a debounce window; bursts coalesce into one write. A flush merges
// only the cache's own dirty subtree into the freshly loaded record, so it
// never clobbers fields other writers own.
type Cache struct {
	store   Store
	cfg     config.CacheConfig
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	categories map[string]types.CategoryProgress
	history    []types.NavigationEntry
	dirty      map[string]struct{}
	removed    map[string]struct{}
	clearAll   bool
	navDirty   bool
	seq        uint64
	debounce   *time.Timer
	lastFlush  time.Time
	closed     bool

	autoFlushStop chan struct{}
}

// NewCache creates a cache over the given store. When the config enables a
// periodic auto-flush, dirty state is written out even if updates stop
// arriving without a final flush call.
func NewCache(store Store, cfg config.CacheConfig, log *logging.Logger, metrics *monitoring.Metrics) *Cache {
	c := &Cache{
		store:      store,
		cfg:        cfg,
		log:        log.Named("progress"),
		metrics:    metrics,
		categories: make(map[string]types.CategoryProgress),
		dirty:      make(map[string]struct{}),
		removed:    make(map[string]struct{}),
	}

	if cfg.AutoFlushInterval > 0 {
		c.autoFlushStop = make(chan struct{})
		go c.autoFlushLoop(cfg.AutoFlushInterval)
	}
	return c
}

// Hydrate seeds the cache from a loaded record. Called once after the
// session manager adopts or creates a record; afterwards reads are served
// from memory only.
func (c *Cache) Hydrate(record *types.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.categories = make(map[string]types.CategoryProgress, len(record.Progress.CategoryMemory))
	for id, p := range record.Progress.CategoryMemory {
		c.categories[id] = p
	}
	c.history = append([]types.NavigationEntry(nil), record.Progress.NavigationHistory...)
}

// UpdateCategoryProgress merges the patch into the cached record, stamps
// the access time, and schedules a debounced flush.
func (c *Cache) UpdateCategoryProgress(categoryID string, patch CategoryPatch) {
	if categoryID == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.categories[categoryID]
	if patch.LastPhotoID != nil {
		p.LastPhotoID = *patch.LastPhotoID
	}
	if patch.LastPhotoIndex != nil {
		p.LastPhotoIndex = *patch.LastPhotoIndex
	}
	if patch.TotalPhotos != nil {
		p.TotalPhotos = *patch.TotalPhotos
	}
	if patch.CompletedPhotos != nil {
		p.CompletedPhotos = *patch.CompletedPhotos
	}
	if patch.KeptCount != nil {
		v := *patch.KeptCount
		p.KeptCount = &v
	}
	if patch.DeletedCount != nil {
		v := *patch.DeletedCount
		p.DeletedCount = &v
	}
	if patch.CategoryType != nil {
		p.CategoryType = *patch.CategoryType
	}

	// Invariants: completed never exceeds total, access time never goes
	// backwards.
	if p.TotalPhotos > 0 && p.CompletedPhotos > p.TotalPhotos {
		p.CompletedPhotos = p.TotalPhotos
	}
	if now.After(p.LastAccessTime) {
		p.LastAccessTime = now
	}

	c.categories[categoryID] = p
	c.dirty[categoryID] = struct{}{}
	delete(c.removed, categoryID)
	c.seq++
	c.metrics.DirtyEntries.Set(float64(len(c.dirty)))
	c.scheduleFlushLocked(c.cfg.DebounceDelay)
}

// GetCategoryProgress returns the cached value. It never reads storage.
func (c *Cache) GetCategoryProgress(categoryID string) (types.CategoryProgress, bool) {
	if categoryID == "" {
		return types.CategoryProgress{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.categories[categoryID]
	return p, ok
}

// ResetCategory clears one category and schedules its removal from storage.
func (c *Cache) ResetCategory(categoryID string) {
	if categoryID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.categories, categoryID)
	delete(c.dirty, categoryID)
	c.removed[categoryID] = struct{}{}
	c.seq++
	c.scheduleFlushLocked(c.cfg.DebounceDelay)
}

// ResetAll clears every category and schedules a flush that removes the
// whole persisted map.
func (c *Cache) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.categories = make(map[string]types.CategoryProgress)
	c.dirty = make(map[string]struct{})
	c.removed = make(map[string]struct{})
	c.clearAll = true
	c.seq++
	c.metrics.DirtyEntries.Set(0)
	c.scheduleFlushLocked(c.cfg.DebounceDelay)
}

// UpdateNavigationState pushes an entry onto the front of the history,
// truncates to the configured bound, and schedules a flush.
func (c *Cache) UpdateNavigationState(entry types.NavigationEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append([]types.NavigationEntry{entry}, c.history...)
	if max := c.cfg.MaxHistoryEntries; max > 0 && len(c.history) > max {
		c.history = c.history[:max]
	}
	c.navDirty = true
	c.seq++
	c.scheduleFlushLocked(c.cfg.DebounceDelay)
}

// GetNavigationHistory returns a copy of the history, newest first.
func (c *Cache) GetNavigationHistory() []types.NavigationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.NavigationEntry(nil), c.history...)
}

// FlushPendingWrites cancels any pending debounce timer and writes the
// dirty deltas immediately. On failure the state stays dirty and the flush
// is re-armed at twice the debounce delay.
func (c *Cache) FlushPendingWrites() error {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if !c.dirtyLocked() {
		c.mu.Unlock()
		return nil
	}

	snap := c.snapshotLocked()
	c.mu.Unlock()

	err := c.writeSnapshot(snap)
	c.metrics.RecordFlush(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.log.Warn("flush failed, keeping changes dirty", zap.Error(err))
		c.metrics.FlushRetries.Inc()
		c.scheduleFlushLocked(2 * c.cfg.DebounceDelay)
		return err
	}

	c.lastFlush = time.Now()
	if c.seq == snap.seq {
		c.dirty = make(map[string]struct{})
		c.removed = make(map[string]struct{})
		c.clearAll = false
		c.navDirty = false
		c.metrics.DirtyEntries.Set(0)
	} else {
		// Updates arrived mid-flush; let the next cycle pick them up.
		c.scheduleFlushLocked(c.cfg.DebounceDelay)
	}
	return nil
}

// GetCacheStats reports cache counters for observability.
func (c *Cache) GetCacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := len(c.dirty) + len(c.removed)
	if c.navDirty {
		pending++
	}
	if c.clearAll {
		pending++
	}
	return CacheStats{
		CachedCategories: len(c.categories),
		PendingWrites:    pending,
		LastFlushTime:    c.lastFlush,
	}
}

// Close stops the timers and performs a final flush.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.autoFlushStop != nil {
		close(c.autoFlushStop)
	}
	c.mu.Unlock()

	return c.FlushPendingWrites()
}

type flushSnapshot struct {
	seq      uint64
	clearAll bool
	navDirty bool
	dirty    map[string]types.CategoryProgress
	removed  []string
	history  []types.NavigationEntry
}

func (c *Cache) dirtyLocked() bool {
	return c.clearAll || c.navDirty || len(c.dirty) > 0 || len(c.removed) > 0
}

func (c *Cache) snapshotLocked() flushSnapshot {
	snap := flushSnapshot{
		seq:      c.seq,
		clearAll: c.clearAll,
		navDirty: c.navDirty,
		dirty:    make(map[string]types.CategoryProgress, len(c.dirty)),
		removed:  make([]string, 0, len(c.removed)),
	}
	for id := range c.dirty {
		snap.dirty[id] = c.categories[id]
	}
	for id := range c.removed {
		snap.removed = append(snap.removed, id)
	}
	if c.navDirty {
		snap.history = append([]types.NavigationEntry(nil), c.history...)
	}
	return snap
}

// writeSnapshot loads the persisted record and applies only the dirty
// subtree before saving, so concurrent navigation-only or category-only
// writers are never clobbered.
func (c *Cache) writeSnapshot(snap flushSnapshot) error {
	record, err := c.store.Load()
	if err != nil {
		return err
	}

	if record.Progress.CategoryMemory == nil || snap.clearAll {
		record.Progress.CategoryMemory = make(map[string]types.CategoryProgress)
	}
	for _, id := range snap.removed {
		delete(record.Progress.CategoryMemory, id)
	}
	for id, p := range snap.dirty {
		record.Progress.CategoryMemory[id] = p
	}
	if snap.navDirty {
		record.Progress.NavigationHistory = snap.history
		record.Progress.MaxHistoryEntries = c.cfg.MaxHistoryEntries
	}
	record.LastSaved = time.Now()

	return c.store.Save(record)
}

func (c *Cache) scheduleFlushLocked(delay time.Duration) {
	if c.closed {
		return
	}
	if c.debounce != nil {
		c.debounce.Reset(delay)
		return
	}
	c.debounce = time.AfterFunc(delay, func() {
		if err := c.FlushPendingWrites(); err != nil {
			c.log.Debug("debounced flush failed", zap.Error(err))
		}
	})
}

func (c *Cache) autoFlushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.FlushPendingWrites(); err != nil {
				c.log.Debug("auto-flush failed", zap.Error(err))
			}
		case <-c.autoFlushStop:
			return
		}
	}
}
