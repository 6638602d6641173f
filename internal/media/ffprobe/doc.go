// Package ffprobe wraps ffprobe JSON output and checks encoded files.
//
// Inspect runs ffprobe and decodes streams and format metadata. Verify is
// the post-encode gate: the output must carry a video stream and its
// duration must match the source within a tolerance.
package ffprobe
