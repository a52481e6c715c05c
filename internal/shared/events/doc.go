// Package events provides a per-event listener registry for persistence
// lifecycle notifications.
//
// The storage adapter and session lifecycle manager both emit events
// (session_saved, session_loaded, session_cleared, changes_dropped) to
// registered listeners. A listener that panics is isolated: remaining
// listeners still run and the emitting save/load path is never aborted.
package events
