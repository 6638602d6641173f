// Package concurrency sizes the analysis worker pool and its timeout from
// the host's load average and free memory.
//
// OS readings are best effort. When a reading fails the manager assumes a
// load of 1.0 and 4096 MB free, so a broken /proc never stops the pipeline.
package concurrency
