// Package pipeline wires the three stage producers to their processors.
//
// Analysis, quality search and encode each run a dispatch.Producer over
// videos selected by the state machine. Dispatched batches are wrapped in a
// stage message and routed by handle. Stages are woken when a video_state
// event moves a video into their input state, on a poll ticker, and when
// a worker finishes.
package pipeline
