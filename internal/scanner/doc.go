// Package scanner registers video files found under the library roots.
//
// Scan walks every TV and movie root once. Run optionally scans at start
// and then watches the roots with fsnotify, batching bursts of file events
// behind a debounce before inserting new paths as needs_analysis.
package scanner
