package domain

import "errors"

// Domain errors represent business-level errors that can occur in the system.
// These errors are used across layers to communicate specific failure conditions.
var (
	// Request lifecycle errors
	ErrRequestNotFound   = errors.New("build request not found")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrTerminalState     = errors.New("request is already in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateState    = errors.New("state is already set")
	ErrNotCancellable    = errors.New("request can only be cancelled while queued")
	ErrPendingDuplicate  = errors.New("an identical build is already pending")

	// Validation errors
	ErrInvalidRequest   = errors.New("invalid build request")
	ErrUnknownKind      = errors.New("unknown request kind")
	ErrInvalidReference = errors.New("invalid image reference")

	// Lock errors
	ErrLockHeld  = errors.New("reference is locked by another request")
	ErrNotHolder = errors.New("lock is not held by the releasing request")

	// Builder errors
	ErrBuildFailed  = errors.New("index build failed")
	ErrBuildTimeout = errors.New("build exceeded the maximum duration")
	ErrOpmTooOld    = errors.New("opm version does not support this operation")
	ErrUnresolvable = errors.New("image reference could not be resolved")

	// Config errors
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrConfigLoadFailed = errors.New("failed to load configuration")
)
