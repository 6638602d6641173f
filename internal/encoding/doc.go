// Package encoding runs the final ab-av1 encode for videos whose quality
// search chose a candidate.
//
// The encode writes into the work directory, is verified with ffprobe, and
// then replaces the source next to its original location with a .mkv
// extension. Once the store records the new path, the owning Sonarr or
// Radarr instance is asked to refresh and rename.
package encoding
