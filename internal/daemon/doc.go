// Package daemon coordinates the long-running reencoder process.
//
// It wires the record store, the stage pipeline, the library scanner and
// any background tasks into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon serves the chi control API used by
// the CLI: status, video inspection, requeue and manual enqueue, per-stage
// pause and resume, manual scans, and the Prometheus /metrics endpoint.
//
// Keep orchestration logic here: stage behaviour lives in its own package
// while the daemon focuses on startup, shutdown, and high level control.
package daemon
