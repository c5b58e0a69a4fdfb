// Package bridge carries OAuth flow outcomes between the runtime context that
// handles the provider callback and the context that initiated the flow.
//
// A single channel between two contexts is unreliable: a direct inbox fails
// when the initiating context restarted, a broadcast bus fails when the
// subscriber attaches late, a shared store fails when nothing ever reads it.
// The bridge therefore delivers every terminal message redundantly over all
// three at once and lets the receiving side deduplicate by flow identifier.
//
// The sending side is a Courier: it fans the message out over the configured
// transports, waits up to DefaultAckTimeout for an acknowledgement, and then
// releases its context whether or not one arrived. The receiving side is a
// Listener: it merges the direct inbox, the bus subscription, and store
// polling, returns the first terminal message for its flow, and acknowledges
// it back over the same transports.
package bridge
