// Package services defines shared utilities consumed by the pipeline stages
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp video IDs, stage names, and correlation
//     identifiers for logging.
//   - Sentinel error markers plus the Wrap helper. Category turns a wrapped
//     error into the failure category persisted on failure records, and
//     Retryable tells the quality-search cascade which failures it may retry.
//
// Stage code should wrap every failure with a marker so classification stays
// uniform across analysis, quality search, and encoding.
package services
