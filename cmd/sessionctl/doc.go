// Package main is the entry point for sessionctl, the maintenance CLI for
// Keepsake session storage.
//
// sessionctl operates directly on the session database, so it is meant for
// development, support, and test tooling rather than the app itself.
//
// Commands:
//   - stats: storage usage breakdown and session metadata
//   - validate: restorability check for the persisted record
//   - export: dump the session record as JSON or YAML
//   - prune: trim the tracker backup log
//   - clear: delete the persisted session
//
// Configuration:
//   - Environment variables (KEEPSAKE_* prefix)
//   - TOML config file via --config
//   - Flags (override everything)
//
// Usage:
//
//	# Inspect a device database pulled from a simulator
//	sessionctl stats --db keepsake.db
//
//	# Export an encrypted session
//	sessionctl export --db keepsake.db --passphrase secret -f yaml
package main
