// Package progress provides the write-back cache for per-category triage
// progress and the bounded navigation history.
//
// Reads are always served from memory. Writes are coalesced behind a
// debounce window and flushed as a merge of the dirty subtree into the
// freshly loaded session record, so the cache never overwrites state it
// does not own. Failed flushes keep their entries dirty and retry on a
// widened delay.
package progress
