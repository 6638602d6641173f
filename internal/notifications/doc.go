// Package notifications delivers pipeline milestones to ntfy.
//
// NewService returns a no-op implementation when no topic is configured.
// Encode completions are sent by the encode stage; terminal failures are
// relayed from the failure topic of the event bus by Relay.
package notifications
