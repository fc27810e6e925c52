// Package store persists conversations, client preferences, token usage,
// the backend's entitlement registry and its audit trail in SQLite.
//
// # Interfaces
//
//   - Store: chats and their message lists, plus export/import
//   - PreferenceStore: small key/value settings (selection, draft, sealed keys)
//   - UsageStore: token usage per finished stream
//   - EntitlementStore: subscription state per subject (backend side)
//   - AuditStore: append-only log of registry changes (backend side)
//
// SQLiteStore implements all of them in one struct on top of modernc.org/sqlite
// (no cgo). MockStore is the in-memory equivalent for tests.
//
// # Persisting
//
// Persist replaces the stored message list of a chat in one transaction and
// creates the chat on first use. The chat description is derived from the
// first visible user message with the model/provider prefix removed.
//
// # Timestamps
//
// Times are stored as RFC3339Nano strings in UTC. Audit timestamps use a
// fixed-width nanosecond layout so range filters can compare them as text.
package store
