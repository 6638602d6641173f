// Package config loads, normalizes, and validates reencoder configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SONARR_API_KEY and RADARR_API_KEY. Stage knobs (batching, rate limits,
// quality-search cascade, timeouts) live here so the pipeline receives
// validated values.
package config
