// Package monitoring provides Prometheus metrics for the persistence engine.
//
// Metrics cover the storage adapter (saves, loads, latency, bytes held),
// the category cache (flushes, retries, dirty entries), the change tracker
// (tracked, dropped, pending, recovered), and session lifecycle transitions.
// A JSON snapshot of headline values backs the sessionctl stats command.
//
// Collectors register on a caller-supplied registry so tests can construct
// independent instances without duplicate-registration panics.
package monitoring
