// Package inference defines the streaming contract of the inference backend
// and two clients for it.
//
// A Client opens a Stream for a Request. Stream.Recv returns text deltas in
// arrival order and io.EOF once the backend signals completion. Every other
// failure, including a non-2xx answer when opening the stream, is a
// *chat.TransportError.
//
// GatewayClient speaks the chatgate backend's server-sent events protocol on
// POST /send:
//
//	event: text
//	data: {"text":"Hel"}
//
//	event: done
//	data: {}
//
// OpenAIClient talks to any OpenAI-compatible chat completions endpoint with
// the API key of the selected provider.
package inference
