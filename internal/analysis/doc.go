// Package analysis runs the metadata stage: it inspects batches of videos
// through the metadata cache, validates what mediainfo reported, derives
// the season grouping used by quality search, and moves each video to
// analyzed.
package analysis
