package engine

import (
	"errors"

	"github.com/gefbiotag/biotag/internal/remote"
)

// Errors returned by Engine operations. Check them with errors.Is:
//
//	if errors.Is(err, engine.ErrNotFound) {
//	    // no record with that id
//	}
var (
	// ErrNotFound is returned when no record has the requested id or tag.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned when a candidate or edit fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOffline is returned by Synchronize while the remote service is
	// considered unreachable.
	ErrOffline = errors.New("remote service unreachable")

	// ErrRemote wraps every gateway failure surfaced to the caller.
	ErrRemote = errors.New("remote call failed")

	// ErrStorage is returned when the record store rejects a snapshot.
	// The triggering operation has no in-memory effect.
	ErrStorage = errors.New("storage failure")

	// ErrSyncInProgress is returned when Synchronize is already running.
	ErrSyncInProgress = errors.New("synchronization already in progress")
)

// IsRetryable returns true if the same call is likely to succeed later
// without any change from the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrOffline) || errors.Is(err, ErrSyncInProgress) {
		return true
	}

	// Timeouts and refused connections come and go
	if errors.Is(err, remote.ErrUnavailable) {
		return true
	}

	return false
}

// IsUserError returns true if the error was caused by the caller's input.
func IsUserError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
}
