// Package metacache caches mediainfo results keyed by path and modification
// time. Entries are bounded by count (least recently used goes first) and by
// age (a janitor sweeps expired entries). A changed mtime always forces a
// fresh inspection.
package metacache
