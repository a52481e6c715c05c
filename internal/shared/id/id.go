// Package id provides centralized ID generation for the persistence engine.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: backup log records sort by creation time
//   - Prefixed types: type-specific prefixes for debugging (sess_*, bak_*)
//   - Type safety: separate types prevent ID misuse
//
// Design Principles:
//   - ULIDs only: single ID format across the engine
//   - K-sortable: the most recent backup record is the largest key
//   - Debuggable: prefixes make logs readable
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a durable session record
type SessionID string

// BackupID identifies a backup log record
type BackupID string

// UndoID identifies an undoable action
type UndoID string

const (
	SessionPrefix = "sess"
	BackupPrefix  = "bak"
	UndoPrefix    = "undo"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewBackupID generates a new backup record ID
func NewBackupID() BackupID {
	return BackupID(Default().GenerateWithPrefix(BackupPrefix))
}

// NewUndoID generates a new undo action ID
func NewUndoID() UndoID {
	return UndoID(Default().GenerateWithPrefix(UndoPrefix))
}

// String methods for ID types
func (id SessionID) String() string { return string(id) }
func (id BackupID) String() string  { return string(id) }
func (id UndoID) String() string    { return string(id) }

// HasPrefix reports whether the ID carries the given type prefix
func HasPrefix(id string, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// IsValid checks if an ID string is a prefixed ULID
func IsValid(id string) bool {
	_, _, err := split(id)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed ID
func Timestamp(id string) (time.Time, error) {
	_, parsed, err := split(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

func split(id string) (string, ulid.ULID, error) {
	prefix, raw, found := strings.Cut(id, "_")
	if !found {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", id)
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, err
	}
	return prefix, parsed, nil
}
