package errors

import (
	"fmt"
	"time"
)

// Error types for the sync engine
type ErrorType string

const (
	// Scan-phase errors: a directory vanished or was unreadable mid-walk.
	// Logged, path skipped, sync continues.
	ErrorTypeScan ErrorType = "scan"

	// Read-phase errors: a file vanished or became unreadable between scan
	// and classify. Treated as a deletion for that path.
	ErrorTypeRead ErrorType = "read"

	// Apply-phase errors: a downstream index rejected or failed to process
	// content. Recorded per-file; the manifest entry keeps its prior state.
	ErrorTypeIndexApply ErrorType = "index_apply"

	// Manifest errors: load/save failures. Fatal for the sync invocation.
	ErrorTypeManifest ErrorType = "manifest"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// SyncError represents an error during one file's trip through the sync
// pipeline.
type SyncError struct {
	Type        ErrorType
	Path        string
	Operation   string
	Underlying  error
	Timestamp   time.Time
	Recoverable bool
}

// NewSyncError creates a new sync error with context
func NewSyncError(typ ErrorType, op string, err error) *SyncError {
	return &SyncError{
		Type:       typ,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WithPath adds the affected file's relative path to the error
func (e *SyncError) WithPath(path string) *SyncError {
	e.Path = path
	return e
}

// WithRecoverable marks the error as recoverable on a later sync
func (e *SyncError) WithRecoverable(recoverable bool) *SyncError {
	e.Recoverable = recoverable
	return e
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Type, e.Operation, e.Path, e.Underlying)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Type, e.Operation, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *SyncError) Unwrap() error {
	return e.Underlying
}

// IsRecoverable checks if the error can be retried
func (e *SyncError) IsRecoverable() bool {
	return e.Recoverable
}
