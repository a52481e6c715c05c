package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the persistence engine.
type Metrics struct {
	// Storage adapter metrics
	SavesTotal   *prometheus.CounterVec
	LoadsTotal   *prometheus.CounterVec
	SaveDuration prometheus.Histogram
	StorageBytes prometheus.Gauge

	// Cache metrics
	FlushesTotal *prometheus.CounterVec
	FlushRetries prometheus.Counter
	DirtyEntries prometheus.Gauge

	// Change tracker metrics
	ChangesTracked *prometheus.CounterVec
	ChangesDropped prometheus.Counter
	PendingChanges prometheus.Gauge
	BackupRecords  prometheus.Gauge
	RecoveredTotal prometheus.Counter

	// Session metrics
	SessionsCreated  prometheus.Counter
	SessionsRestored prometheus.Counter
	PausesTotal      prometheus.Counter

	startTime time.Time

	// Snapshot for the stats CLI - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for JSON reporting.
type Snapshot struct {
	TotalSaves     int64     `json:"total_saves"`
	FailedSaves    int64     `json:"failed_saves"`
	TotalLoads     int64     `json:"total_loads"`
	TotalFlushes   int64     `json:"total_flushes"`
	DroppedChanges int64     `json:"dropped_changes"`
	PendingChanges int64     `json:"pending_changes"`
	LastSaveAt     time.Time `json:"last_save_at"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates a metrics collector on the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		SavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepsake_session_saves_total",
				Help: "Total session save attempts by outcome",
			},
			[]string{"outcome"},
		),
		LoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepsake_session_loads_total",
				Help: "Total session load attempts by outcome",
			},
			[]string{"outcome"},
		),
		SaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keepsake_session_save_duration_seconds",
				Help:    "Session save latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		StorageBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keepsake_storage_bytes",
				Help: "Approximate bytes held in the durable medium",
			},
		),
		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepsake_cache_flushes_total",
				Help: "Category cache flushes by outcome",
			},
			[]string{"outcome"},
		),
		FlushRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_cache_flush_retries_total",
				Help: "Re-armed flushes after a failed write",
			},
		),
		DirtyEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keepsake_cache_dirty_entries",
				Help: "Categories awaiting write-back",
			},
		),
		ChangesTracked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepsake_tracker_changes_total",
				Help: "Changes accepted into the tracker buffer by priority",
			},
			[]string{"priority"},
		),
		ChangesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_tracker_changes_dropped_total",
				Help: "Changes dropped after exhausting retries",
			},
		),
		PendingChanges: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keepsake_tracker_pending_changes",
				Help: "Changes currently buffered",
			},
		),
		BackupRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keepsake_tracker_backup_records",
				Help: "Backup log records currently retained",
			},
		),
		RecoveredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_tracker_recovered_changes_total",
				Help: "Changes replayed from the backup log after a crash",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_sessions_created_total",
				Help: "Fresh sessions synthesized",
			},
		),
		SessionsRestored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_sessions_restored_total",
				Help: "Sessions adopted from storage",
			},
		),
		PausesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keepsake_session_pauses_total",
				Help: "Pause transitions handled",
			},
		),
	}
}

// RecordSave records a save attempt and its latency.
func (m *Metrics) RecordSave(err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.SavesTotal.WithLabelValues(outcome).Inc()
	m.SaveDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalSaves++
	if err != nil {
		m.snapshot.FailedSaves++
	} else {
		m.snapshot.LastSaveAt = time.Now()
	}
	m.mu.Unlock()
}

// RecordLoad records a load attempt.
func (m *Metrics) RecordLoad(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.LoadsTotal.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.snapshot.TotalLoads++
	m.mu.Unlock()
}

// RecordFlush records a cache flush attempt.
func (m *Metrics) RecordFlush(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.FlushesTotal.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.snapshot.TotalFlushes++
	m.mu.Unlock()
}

// RecordDropped records changes dropped after retry exhaustion.
func (m *Metrics) RecordDropped(count int) {
	m.ChangesDropped.Add(float64(count))

	m.mu.Lock()
	m.snapshot.DroppedChanges += int64(count)
	m.mu.Unlock()
}

// SetPending updates the buffered change gauge.
func (m *Metrics) SetPending(count int) {
	m.PendingChanges.Set(float64(count))

	m.mu.Lock()
	m.snapshot.PendingChanges = int64(count)
	m.mu.Unlock()
}

// GetSnapshot returns current metric values for JSON reporting.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
