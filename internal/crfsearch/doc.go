// Package crfsearch runs the quality search stage: it picks a VMAF target
// and CRF range for a video, drives ab-av1 crf-search, records every probed
// candidate, and walks a bounded retry cascade before failing the video.
//
// Cascade steps are tried in a fixed order (full range, slower preset,
// lower target) and only when applicable. The order does not depend on why
// the previous attempt failed.
package crfsearch
