// Package transport defines the primitives a messaging transport exposes to the AM bridge
package transport

import (
	"errors"
	"fmt"
)

// Status is a raw status code reported by a transport call or completion callback.
type Status int

const (
	// StatusOK means the operation completed
	StatusOK Status = 0

	// StatusInProgress means the operation was accepted and will complete later
	StatusInProgress Status = 1

	// Error statuses (negative, like the native codes they model)
	StatusErrNoMessage        Status = -1
	StatusErrNoResource       Status = -2
	StatusErrIO               Status = -3
	StatusErrNoMemory         Status = -4
	StatusErrInvalidParam     Status = -5
	StatusErrUnreachable      Status = -6
	StatusErrMessageTruncated Status = -10
	StatusErrNoElem           Status = -12
	StatusErrCanceled         Status = -16
	StatusErrNotConnected     Status = -20
	StatusErrConnectionReset  Status = -25
	StatusErrTimedOut         Status = -80
	StatusErrUnsupported      Status = -22
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in progress"
	case StatusErrNoMessage:
		return "no message"
	case StatusErrNoResource:
		return "no resource"
	case StatusErrIO:
		return "io error"
	case StatusErrNoMemory:
		return "out of memory"
	case StatusErrInvalidParam:
		return "invalid parameter"
	case StatusErrUnreachable:
		return "destination unreachable"
	case StatusErrMessageTruncated:
		return "message truncated"
	case StatusErrNoElem:
		return "no such element"
	case StatusErrCanceled:
		return "request canceled"
	case StatusErrNotConnected:
		return "not connected"
	case StatusErrConnectionReset:
		return "connection reset"
	case StatusErrTimedOut:
		return "timed out"
	case StatusErrUnsupported:
		return "unsupported operation"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsError reports whether s is neither OK nor in progress.
func (s Status) IsError() bool {
	return s != StatusOK && s != StatusInProgress
}

// ErrTransportFailure is matched by every StatusError.
var ErrTransportFailure = errors.New("transport failure")

// StatusError reports a non-success status for a named operation.
type StatusError struct {
	Op     string
	Status Status
}

// Error implements error
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Is lets errors.Is(err, ErrTransportFailure) match any status error.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransportFailure
}

// NewStatusError returns a *StatusError for op.
func NewStatusError(op string, status Status) error {
	return &StatusError{Op: op, Status: status}
}

// StatusOf extracts the transport status carried by err, if any.
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusOK, false
}
