// Package sampler throttles high-frequency conversation updates into
// occasional side effects.
//
// Sampler is a generic trailing-edge throttle: the first Call in a window
// arms a timer, later calls in the same window only replace the retained
// value, and a single downstream call fires with the latest value when the
// window ends. Flush runs the latest value immediately.
//
// Processor builds on Sampler to drive artifact parsing and history
// persistence from a streaming session. Persistence only happens once the
// conversation holds more messages than were loaded.
package sampler
