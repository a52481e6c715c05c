// Package session owns the session lifecycle for the persistence engine.
//
// The manager initializes exactly one session per app launch: it adopts
// the persisted record when it is fresh and structurally sound, detects
// unclean shutdowns and triggers backup replay, and falls back to a new
// session otherwise. While the app runs it mediates partial updates, the
// bounded undo stack, and explicit saves, then handles the pause, resume
// and dispose transitions the host platform drives.
package session
