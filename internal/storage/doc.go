// Package storage provides the durable storage adapter for the persistence
// engine.
//
// The adapter is the only component that touches the key-value medium. It
// owns three logical key spaces:
//   - session:current and session:meta, the main record and its metadata blob
//   - session:backup_N, rotating numbered backup slots for the main record
//   - progress:backup:<ulid>, the change tracker's append-style backup log
//
// Responsibilities:
//   - Serialization via sonic JSON with zstd compression above a threshold
//   - Optional AES-256-GCM at-rest protection; decrypt failures on read fall
//     back to the plain store, write failures always surface
//   - Best-effort recovery from backup slots when the main record is corrupt
//   - Throttled saves that coalesce bursts into one write
//   - Size stats and a soft-quota check for UI warnings
//
// Error taxonomy: QUOTA_EXCEEDED, SERIALIZATION_FAILED, PERMISSION_DENIED,
// UNKNOWN, carried by StorageError.
package storage
