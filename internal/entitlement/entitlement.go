// ABOUTME: Entitlement record, Status and Decision types plus the Lookup contract
// ABOUTME: Lookup is implemented by HTTPClient against /entitlement and /register

package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrLookupFailed wraps every lookup failure: transport errors, non-2xx answers
// and server-reported errors.
var ErrLookupFailed = errors.New("entitlement lookup failed")

// Status is the subscription state of a subject.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Entitlement is the gate's record for one subject.
type Entitlement struct {
	Status        Status
	LastCheckedAt time.Time
	Error         string
}

// Active reports whether sends are allowed.
func (e Entitlement) Active() bool {
	return e.Status == StatusActive
}

// Decision is the outcome of a gate check.
type Decision int

const (
	Proceed Decision = iota
	NeedsAuth
	NeedsEntitlement
	Pending
	TimedOut
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case NeedsAuth:
		return "needs_auth"
	case NeedsEntitlement:
		return "needs_entitlement"
	case Pending:
		return "pending"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Lookup is the entitlement backend.
type Lookup interface {
	// Register announces a subject to the backend. It is idempotent server-side.
	Register(ctx context.Context, subject, email string) error

	// Active reports whether the subject holds an active entitlement.
	// Any failure must be returned as an error wrapping ErrLookupFailed.
	Active(ctx context.Context, subject string) (bool, error)
}
