package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrToolExit      = errors.New("tool exited with error")
	ErrToolOutput    = errors.New("unusable tool output")
	ErrTransfer      = errors.New("file transfer error")
	ErrTimeout       = errors.New("timeout")
	ErrRace          = errors.New("stale conditional update")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// Failure categories persisted on failure records.
const (
	CategoryValidation = "validation"
	CategoryToolExit   = "tool_exit"
	CategoryToolOutput = "tool_output"
	CategoryTransfer   = "transfer"
	CategoryTimeout    = "timeout"
	CategoryRace       = "race"
	CategoryInternal   = "internal"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrToolExit
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Category maps an error to the failure category stored alongside the video.
// Context deadline errors count as timeouts even when they were not wrapped.
func Category(err error) string {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrToolOutput):
		return CategoryToolOutput
	case errors.Is(err, ErrTransfer):
		return CategoryTransfer
	case errors.Is(err, ErrRace):
		return CategoryRace
	case errors.Is(err, ErrToolExit):
		return CategoryToolExit
	default:
		return CategoryInternal
	}
}

// Retryable reports whether the failure should drive the quality-search
// cascade. Timeouts are handled like a non-zero exit.
func Retryable(err error) bool {
	switch Category(err) {
	case CategoryToolExit, CategoryTimeout:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
