// Package logging assembles structured slog loggers and formatting helpers used
// across reencoder.
//
// It owns the console and JSON handlers, level and output plumbing, and
// context-aware helpers that tag log lines with video IDs, stages, and
// correlation IDs. NewNop gives tests and optional wiring a logger that
// cannot fail.
package logging
