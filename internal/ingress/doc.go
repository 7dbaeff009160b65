// Package ingress turns cluster resources into backend membership changes.
//
// A Source lists and then watches one resource kind through an Adapter,
// resolves the service references it finds to backend addresses and
// sends Add and Remove events on a shared bounded channel. Sending blocks
// when the channel is full. The Processor is the only consumer of that
// channel; it applies events to the route pools in arrival order.
//
// Source state machine:
//
//	Disconnected -> Listing -> Watching -> Disconnected (stream error)
//
// After every disconnect the source waits with exponential backoff and
// relists, emitting Remove events for targets that disappeared while it
// was not watching.
package ingress
