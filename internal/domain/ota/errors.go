package ota

import (
	"errors"
	"fmt"
)

// Validation errors: rejected before any state is created, never retried.
var (
	ErrInvalidVersion = errors.New("invalid version")
	ErrEmptyTargetSet = errors.New("empty target set")
	ErrNeverApplied   = errors.New("version never applied to device")
	ErrDuplicateName  = errors.New("duplicate name")
)

// Not-found errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrGroupNotFound   = errors.New("group not found")
	ErrVersionNotFound = errors.New("version not found")
	ErrJobNotFound     = errors.New("job not found")
)

// Boundary and state errors.
var (
	ErrArtifactUploadFailed = errors.New("artifact upload failed")
	ErrQueryTimeout         = errors.New("fleet query timed out")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidTransition    = errors.New("invalid transition")
)

// Device failure reasons.
var (
	ErrDownloadFailed  = errors.New("DownloadFailed")
	ErrApplyFailed     = errors.New("ApplyFailed")
	ErrVersionMismatch = errors.New("VersionMismatch")
	ErrPhaseTimeout    = errors.New("PhaseTimeout")
)

// ExecutionError attaches job, device and phase context to a device-level failure.
type ExecutionError struct {
	JobID    JobID
	DeviceID string
	Phase    Phase
	Err      error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s, device %s, phase %s: %v", e.JobID, e.DeviceID, e.Phase, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ErrorKind groups errors by how callers should react to them.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindState      ErrorKind = "state"
	ErrorKindBoundary   ErrorKind = "boundary"
)

// KindOf classifies err. Unknown errors are treated as boundary errors.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrEmptyTargetSet),
		errors.Is(err, ErrNeverApplied),
		errors.Is(err, ErrDuplicateName):
		return ErrorKindValidation
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrGroupNotFound),
		errors.Is(err, ErrVersionNotFound),
		errors.Is(err, ErrJobNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition):
		return ErrorKindState
	default:
		return ErrorKindBoundary
	}
}
