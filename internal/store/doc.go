// Package store persists videos, quality-search candidates, and failure
// records in SQLite.
//
// Every state change is a single-row conditional update (update only if the
// row is still in the expected state), so concurrent workers racing on one
// video degrade to a no-op instead of corrupting it. Candidate writes are
// upserts keyed by (video, crf) and failure records are deduplicated by their
// attempt signature.
//
// Schema changes bump schemaVersion in schema.go; an older database must be
// removed before the daemon starts.
package store
