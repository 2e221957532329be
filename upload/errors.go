package upload

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no upload record exists for an id.
var ErrNotFound = errors.New("upload not found")

// ErrNotReady is returned when the final file of an upload is requested before it is completed.
var ErrNotReady = errors.New("file not ready for download")

// ErrFinalizeInProgress is returned when another caller already owns the finalize of an upload.
var ErrFinalizeInProgress = errors.New("finalize already in progress")

// ValidationError is returned for rejected input, before any state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SizeMismatchError is returned when the reassembled byte count differs from the declared total size.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("file size mismatch, expected: %d, got: %d", e.Expected, e.Actual)
}
