// Package chat holds the data model shared by the conversation controller
// and its collaborators.
//
// # Messages
//
// A Message is an ordered list of Parts (text or image) with a role and an
// optional set of annotations. The "hidden" annotation marks a message that
// stays in model context but is skipped when messages are enumerated for
// display:
//
//	visible := chat.VisibleMessages(state.Messages)
//
// # State
//
// State is a value type. Update methods return a new snapshot so the single
// owner (the conversation controller) can hand copies to other goroutines
// without sharing the underlying slices:
//
//	next := state.WithMessages(msgs).WithStreaming(true)
//
// InitialMessages is captured once at load time and only used to decide
// whether the conversation has grown past what was loaded.
//
// # Errors
//
// The package defines the error taxonomy used across the controller:
// ErrAuthRequired, ErrEntitlementDenied, ErrEntitlementTimedOut, ErrCancelled,
// TransportError and PersistenceError.
package chat
