// Package entitlement decides whether a submit may reach the inference
// backend.
//
// # Gate
//
// Gate.Check turns an Identity into a Decision:
//
//	Proceed           identity authenticated and entitlement active
//	NeedsAuth         no authenticated identity; no network call is made
//	NeedsEntitlement  lookup returned inactive, failed, or answered non-2xx
//	Pending           a poll for the subject is still running
//	TimedOut          a poll hit its attempt cap
//
// Lookups fail closed. Successful lookups are cached per subject for the
// configured TTL and concurrent lookups for one subject are collapsed with
// singleflight. A subject is registered with the backend once per gate
// lifetime before its first lookup; registration failures are logged and
// never block the decision.
//
// # Polling
//
// StartPoll runs a cancellable task that re-issues the lookup on a fixed
// interval, bypassing the cache, until the entitlement turns active or the
// attempt cap is reached:
//
//	poll := gate.StartPoll(ctx, identity)
//	defer poll.Stop()
//	switch poll.Wait(ctx) {
//	case entitlement.Proceed:
//	case entitlement.TimedOut:
//	}
//
// Stop and context cancellation end the loop before the next tick. A poll
// that is abandoned this way resolves to Pending.
package entitlement
