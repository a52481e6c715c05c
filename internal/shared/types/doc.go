// Package types provides shared data structures for the Keepsake persistence
// engine.
//
// This package defines the durable session record and its sub-sections,
// shared by the storage adapter, progress cache, change tracker, and
// session lifecycle manager.
//
// Core Types:
//   - SessionRecord: Durable root object for one usage period
//   - NavigationState: UI resumption position
//   - ProgressState: Collection-wide triage progress
//   - CategoryProgress: Per-category resumption state
//   - NavigationEntry: Bounded, newest-first history step
//   - UndoState: Bounded undo stack
//   - SessionMetadata: Cross-session bookkeeping
//   - LifecycleState: Pause/resume tracking, derived on resume
//
// Example Usage:
//
//	record := &types.SessionRecord{
//	    SessionID: string(id.NewSessionID()),
//	    Version:   types.SchemaVersion,
//	    LastSaved: time.Now(),
//	}
package types
