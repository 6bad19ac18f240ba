package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/changesync/internal/store"
)

// ErrorCode categorizes a SyncError.
type ErrorCode string

const (
	// CodeInvalidTable means a change names a table outside the closed set.
	CodeInvalidTable ErrorCode = "INVALID_TABLE"

	// CodeInvalidKind means an unknown kind, or one the table does not support.
	CodeInvalidKind ErrorCode = "INVALID_KIND"

	// CodeInvalidScope means a change has no scope, or two.
	CodeInvalidScope ErrorCode = "INVALID_SCOPE"

	// CodeInvalidPayload means the payload is not a JSON object of
	// supported values.
	CodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	// CodeInvalidRequest covers malformed requests: missing ids, oversized
	// batches, unparseable bodies.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	CodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"

	// CodeAllocationFailed means a revision could not be allocated after
	// retrying. The client should resubmit.
	CodeAllocationFailed ErrorCode = "ALLOCATION_FAILED"
)

// SyncError is an error with a taxonomy code, surfaced to clients.
type SyncError struct {
	Code     ErrorCode
	Message  string
	ChangeID string
	Scope    string
	Err      error
}

func (e *SyncError) Error() string {
	switch {
	case e.ChangeID != "":
		return fmt.Sprintf("%s: %s (change=%s)", e.Code, e.Message, e.ChangeID)
	case e.Scope != "":
		return fmt.Sprintf("%s: %s (scope=%s)", e.Code, e.Message, e.Scope)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

func newSyncError(code ErrorCode, changeID string, err error) *SyncError {
	return &SyncError{Code: code, Message: err.Error(), ChangeID: changeID, Err: err}
}

// CodeOf returns the taxonomy code of err, or "" when it has none.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsClientError reports whether err was caused by the request. Nothing was
// written to the ledger.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case "", CodeAllocationFailed:
		return false
	default:
		return true
	}
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeAllocationFailed ||
		errors.Is(err, store.ErrAllocationFailed) ||
		store.IsBusy(err)
}
