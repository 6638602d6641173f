// Package mediainfo wraps the mediainfo CLI. One invocation can inspect many
// files; the JSON output is an object for a single file and an array for
// several, each carrying the inspected path in media.@ref.
package mediainfo
