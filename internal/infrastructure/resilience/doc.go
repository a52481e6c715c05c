// Package resilience provides the retry backoff policy used by the change
// tracker when batch persistence fails.
//
// Delays grow as base * 2^attempt up to a fixed cap. Jitter is deliberately
// omitted: the persistence engine is the sole writer to its storage medium.
package resilience
