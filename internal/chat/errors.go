// ABOUTME: Error taxonomy for gating, streaming and persistence failures
// ABOUTME: Sentinel errors plus typed TransportError and PersistenceError

package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRequired means no authenticated identity was presented.
	ErrAuthRequired = errors.New("authentication required")

	// ErrEntitlementDenied means the subject has no active entitlement.
	ErrEntitlementDenied = errors.New("active subscription required")

	// ErrEntitlementTimedOut means polling for an entitlement hit its attempt cap.
	ErrEntitlementTimedOut = errors.New("timed out waiting for subscription")

	// ErrEmptyMessage is returned when a submit carries no text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrCancelled marks a stream that was stopped by the caller.
	ErrCancelled = errors.New("cancelled")
)

// ErrorKind constants for ErrorInfo.Kind
const (
	ErrorKindTransport   = "transport"
	ErrorKindPersistence = "persistence"
)

// TransportError is returned when the inference stream cannot be opened or
// breaks mid-flight.
type TransportError struct {
	StatusCode int    // HTTP status when the server answered, 0 otherwise
	Message    string // server-supplied message, if any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("stream failed (status %d): %s", e.StatusCode, e.Message)
	case e.Message != "":
		return "stream failed: " + e.Message
	case e.Err != nil:
		return "stream failed: " + e.Err.Error()
	default:
		return "stream failed"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError is reported when storing history fails. It never stops
// the conversation.
type PersistenceError struct {
	ChatID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving chat %s: %v", e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewErrorInfo converts an error into the state-carried form.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := ErrorKindTransport
	var pe *PersistenceError
	if errors.As(err, &pe) {
		kind = ErrorKindPersistence
	}
	return &ErrorInfo{Kind: kind, Message: err.Error(), At: time.Now()}
}
