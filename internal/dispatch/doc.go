// Package dispatch implements the demand-driven producer each pipeline stage
// runs on.
//
// A Producer owns its demand counter, pause flag, manual queue and in-flight
// set inside one mailbox goroutine; every public method is a message to that
// goroutine. Dispatch happens on three triggers: demand increase, resume,
// and NotifyAvailable (raised by upstream state changes and by worker
// completion). Dispatched items flow through a batcher and a token bucket to
// a worker pool whose size is re-read before every batch, so a stage
// configured with one worker never runs two batches at once.
package dispatch
