// Package api defines the wire types of the daemon control API and a small
// HTTP client for them.
//
// # Key Types
//
// Video, Candidate, Failure: transport representations of store records.
//
// DaemonStatus: running state, per-stage dispatch status, state counts,
// dependency availability and stage health.
//
// # Converters
//
// FromVideo, FromCandidate, FromFailure translate store models. Timestamps
// use RFC3339 with milliseconds and JSON tags are camelCase.
//
// # Client
//
// Client is used by the CLI. Non-2xx responses are returned as *Error with
// the message from the response body.
package api
