// Package tracker coordinates auto-save for in-flight progress changes.
//
// Changes accumulate in a last-write-wins buffer keyed by the field they
// touch. Flushes write the buffer to the append-style backup log in
// priority order, retrying transient failures with exponential backoff and
// dropping (with notification) what still cannot be written. The buffer
// survives crashes through the backup log: on the next launch the most
// recent record is replayed into the buffer before normal operation
// resumes.
package tracker
