package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	// ErrKeyNotFound is returned by a Medium when a key has no value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSessionNotFound is returned by Load when no usable session record
	// exists under the main key or any backup slot.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorageUnavailable is returned when the medium cannot be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorCode classifies write-path failures for callers that present
// storage problems to the user.
type ErrorCode string

const (
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeUnknown             ErrorCode = "UNKNOWN"
)

// StorageError wraps a medium failure with its classification and the
// operation that produced it.
type StorageError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Classify wraps err in a StorageError with the code inferred from the
// underlying failure.
func Classify(op string, err error) *StorageError {
	code := CodeUnknown
	switch {
	case errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT):
		code = CodeQuotaExceeded
	case errors.Is(err, fs.ErrPermission):
		code = CodePermissionDenied
	}
	return &StorageError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the error code from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}
