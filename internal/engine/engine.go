package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/keepsakehq/keepsake/backend/internal/domain/progress"
	"github.com/keepsakehq/keepsake/backend/internal/domain/session"
	"github.com/keepsakehq/keepsake/backend/internal/domain/tracker"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/storage"
)

// Engine wires the persistence components together over one durable
// medium. The host app embeds it and drives the session manager and
// tracker through their accessors.
type Engine struct {
	medium    storage.Medium
	adapter   *storage.Adapter
	cache     *progress.Cache
	tracker   *tracker.Tracker
	sessions  *session.Manager
	emitter   *events.Emitter
	metrics   *monitoring.Metrics
	log       *logging.Logger
	watchStop chan struct{}
}

// Options tunes engine construction beyond the config file.
type Options struct {
	// Medium overrides the bolt database, used by tests and dry runs.
	Medium storage.Medium
	// Registry receives the engine's metrics; nil keeps them private.
	Registry prometheus.Registerer
	// Logger overrides the default logger built from the config.
	Logger *logging.Logger
	// AppState feeds host lifecycle transitions into the engine. When set,
	// backgrounding pauses the session and flushes the tracker, and
	// foregrounding resumes it. Detached on Close.
	AppState tracker.AppStateSource
}

// New builds a fully wired engine from configuration.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	metrics := monitoring.NewMetrics()
	if opts.Registry != nil {
		metrics = monitoring.NewMetricsWith(opts.Registry)
	}

	medium := opts.Medium
	if medium == nil {
		bolt, err := storage.NewBoltMedium(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		medium = bolt
	}

	emitter := events.NewEmitter()
	adapter, err := storage.NewAdapter(medium, cfg.Storage, log, metrics, emitter)
	if err != nil {
		medium.Close()
		return nil, err
	}

	cache := progress.NewCache(adapter, cfg.Cache, log, metrics)
	trk := tracker.NewTracker(adapter, cfg.Tracker, log, metrics, emitter)
	mgr := session.NewManager(adapter, cache, trk, cfg.Session, log, metrics, emitter)
	trk.SetSessionSaver(mgr.SaveSession)

	e := &Engine{
		medium:   medium,
		adapter:  adapter,
		cache:    cache,
		tracker:  trk,
		sessions: mgr,
		emitter:  emitter,
		metrics:  metrics,
		log:      log,
	}
	if opts.AppState != nil {
		e.watchStop = make(chan struct{})
		go e.watchAppState(opts.AppState)
	}
	return e, nil
}

// watchAppState consumes host lifecycle transitions until the source
// closes its channel or the engine shuts down.
func (e *Engine) watchAppState(source tracker.AppStateSource) {
	for {
		select {
		case state, ok := <-source.States():
			if !ok {
				return
			}
			e.handleAppState(state)
		case <-e.watchStop:
			return
		}
	}
}

// handleAppState pauses the session before the tracker's background flush
// so the persisted lifecycle flags reflect the suspension, and resumes it
// after the tracker has restarted auto-save on the way back.
func (e *Engine) handleAppState(state tracker.AppState) {
	switch state {
	case tracker.AppStateBackground, tracker.AppStateInactive:
		if err := e.sessions.Pause(); err != nil {
			e.log.Debug("pause on app state change skipped", zap.Error(err))
		}
		e.tracker.HandleAppStateChange(state)
	case tracker.AppStateActive:
		e.tracker.HandleAppStateChange(state)
		if err := e.sessions.Resume(); err != nil {
			e.log.Debug("resume on app state change skipped", zap.Error(err))
		}
	}
}

// Sessions returns the session lifecycle manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Progress returns the category progress cache.
func (e *Engine) Progress() *progress.Cache { return e.cache }

// Tracker returns the change tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Storage returns the storage adapter for stats and maintenance.
func (e *Engine) Storage() *storage.Adapter { return e.adapter }

// Events returns the shared emitter.
func (e *Engine) Events() *events.Emitter { return e.emitter }

// Metrics returns the engine's metrics handle.
func (e *Engine) Metrics() *monitoring.Metrics { return e.metrics }

// Close detaches the app state observer, disposes the session, and
// releases the medium. Safe to call after a partial shutdown; the first
// error wins.
func (e *Engine) Close() error {
	if e.watchStop != nil {
		close(e.watchStop)
		e.watchStop = nil
	}
	err := e.sessions.Dispose()
	if cerr := e.medium.Close(); err == nil {
		err = cerr
	}
	return err
}
