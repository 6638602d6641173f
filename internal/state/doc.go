// Package state enforces the video lifecycle:
//
//	needs_analysis -> analyzed -> crf_searching -> crf_searched -> encoding -> encoded
//
// with failed reachable from every non-terminal state and a manual requeue
// from failed back to needs_analysis. The machine is queried, never run as
// a loop: dispatchers ask it for eligible videos and workers ask it to move
// one video. Every transition is a conditional store update, so a video that
// moved underneath a worker turns the call into a logged no-op.
package state
