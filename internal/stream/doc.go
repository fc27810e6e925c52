// Package stream runs one cancellable inference stream per submit.
//
// Session.Start snapshots the conversation, appends the new user message and
// opens the inference stream in a goroutine. Deltas are applied in arrival
// order: the first creates the assistant message, later ones grow it. Every
// update goes to the Sink (usually a sampler.Processor) and the observer.
//
// When the stream ends, for any reason, the sink receives one final update
// with streaming=false followed by Flush. A transport error removes the user
// message and any partial reply from the working list, once, and surfaces a
// *chat.TransportError in the Outcome. Nothing is retried.
//
// Only one Handle is active per Session: starting a new stream cancels the
// previous one and waits for it to settle.
package stream
