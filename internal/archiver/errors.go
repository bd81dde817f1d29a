package archiver

import (
	"errors"
	"fmt"

	"github.com/roach88/mxarchive/internal/model"
)

// ErrorCode categorizes synchronization errors.
type ErrorCode string

const (
	// CodeTransientNetwork indicates a network failure. Retried next run.
	CodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// CodeProtocol indicates a malformed or unexpected server response.
	// The page or room is skipped without cursor advancement.
	CodeProtocol ErrorCode = "PROTOCOL"

	// CodeStorage indicates a failed commit. Fatal to the unit of work only.
	CodeStorage ErrorCode = "STORAGE"

	// CodeMediaUnavailable indicates media bytes could not be materialized.
	// Never fatal: the media stays referenced.
	CodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"

	// CodeLeaseHeld indicates another worker holds the room.
	CodeLeaseHeld ErrorCode = "LEASE_HELD"
)

// SyncError is an error raised while synchronizing one unit of work.
//
// SyncError includes structured fields so the orchestrator can report the
// failing room and scope without parsing messages.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Room is the affected room, empty for account-wide scopes.
	Room string

	// Scope is the synchronization scope that failed.
	Scope model.Scope

	// Op is the operation that failed, e.g. "fetch page".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Room != "" && e.Scope != "":
		return fmt.Sprintf("%s: %s: %v (room=%s, scope=%s)", e.Code, e.Op, e.Err, e.Room, e.Scope)
	case e.Room != "":
		return fmt.Sprintf("%s: %s: %v (room=%s)", e.Code, e.Op, e.Err, e.Room)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a SyncError with the given code.
// Protocol clients use it to classify failures before the orchestrator
// stamps room and scope.
func NewSyncError(code ErrorCode, op string, err error) *SyncError {
	return &SyncError{Code: code, Op: op, Err: err}
}

// CodeOf returns the error's code, or "" if err is not a SyncError.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient returns true if the error is a transient network error.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransientNetwork
}

// IsProtocol returns true if the error is a protocol error.
func IsProtocol(err error) bool {
	return CodeOf(err) == CodeProtocol
}

// IsStorage returns true if the error is a storage error.
func IsStorage(err error) bool {
	return CodeOf(err) == CodeStorage
}

// IsMediaUnavailable returns true if the error is a media error.
func IsMediaUnavailable(err error) bool {
	return CodeOf(err) == CodeMediaUnavailable
}

// IsLeaseHeld returns true if the room was skipped because it is leased.
func IsLeaseHeld(err error) bool {
	return CodeOf(err) == CodeLeaseHeld
}

// protocolFailure stamps room and scope on an error from the protocol
// client. Unclassified errors are treated as transient, so the unit is
// retried next run.
func protocolFailure(room string, scope model.Scope, op string, err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		stamped := *se
		if stamped.Room == "" {
			stamped.Room = room
		}
		if stamped.Scope == "" {
			stamped.Scope = scope
		}
		if stamped.Op == "" {
			stamped.Op = op
		}
		return &stamped
	}
	return &SyncError{Code: CodeTransientNetwork, Room: room, Scope: scope, Op: op, Err: err}
}

// storageFailure wraps a failed commit.
func storageFailure(room string, scope model.Scope, op string, err error) error {
	return &SyncError{Code: CodeStorage, Room: room, Scope: scope, Op: op, Err: err}
}
