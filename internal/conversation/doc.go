// Package conversation ties the gate, template bootstrap, stream session and
// sampled persistence together around one conversation.
//
// # Controller
//
// A Controller is the single owner of a chat.State. Everything else works on
// snapshots:
//
//	ctrl, err := conversation.Open(ctx, deps, chatID)
//	res, err := ctrl.Submit(ctx, identity, "build me a todo app", nil)
//
// Submit runs these steps in order:
//
//  1. Reject empty text with chat.ErrEmptyMessage.
//  2. Ask the Gate. NeedsAuth, NeedsEntitlement, Pending and TimedOut are
//     returned in SubmitResult.Decision and nothing is sent.
//  3. Stop a stream that is still running and wait for it to settle.
//  4. For a conversation with no messages, try the Bootstrapper. A seeded
//     result replaces the message list with the first two seed messages and
//     streams the third one.
//  5. Start a stream.Session run. Updates flow through the sampler.Processor
//     (artifact parsing plus persistence) and into the controller state.
//
// When the run settles the controller records the outcome: Aborted keeps the
// partial reply, a transport failure sets LastError and raises an error
// notice, and token usage is written to the UsageStore.
//
// # Broadcaster
//
// Broadcaster fans state snapshots and notices out to subscribers keyed by
// chat id. Publish never blocks; a subscriber whose buffer is full misses
// events.
//
//	events, _ := broadcaster.Subscribe(ctx, chatID)
//	for ev := range events {
//	    switch ev.Kind {
//	    case conversation.EventState:
//	        render(ev.State)
//	    case conversation.EventNotice:
//	        toast(ev.Notice)
//	    }
//	}
package conversation
