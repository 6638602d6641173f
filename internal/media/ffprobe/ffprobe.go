package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"reencoder/internal/services"
)

var commandContext = exec.CommandContext

// DurationTolerance is the relative duration drift Verify accepts.
const DurationTolerance = 0.05

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := commandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, services.Wrap(services.ErrTimeout, "encode", "ffprobe", "inspection cancelled", ctx.Err())
		}
		return Result{}, services.Wrap(services.ErrToolExit, "encode", "ffprobe", strings.TrimSpace(stderr.String()), err)
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return Result{}, services.Wrap(services.ErrToolOutput, "encode", "ffprobe", "parse output", err)
	}
	return result, nil
}

// VideoStreamCount returns the number of video streams discovered.
func (r Result) VideoStreamCount() int {
	return r.count("video")
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	return r.count("audio")
}

func (r Result) count(kind string) int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			count++
		}
	}
	return count
}

// VideoCodec returns the codec of the first video stream.
func (r Result) VideoCodec() string {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "video") {
			return stream.CodecName
		}
	}
	return ""
}

// DurationSeconds returns the container duration in seconds, or 0 when unavailable.
func (r Result) DurationSeconds() float64 {
	return parseFloat(r.Format.Duration)
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// Check validates an inspected output against the source duration. A
// source duration of zero skips the duration comparison.
func (r Result) Check(sourceDuration float64) error {
	if r.VideoStreamCount() == 0 {
		return services.Wrap(services.ErrValidation, "encode", "verify", "output has no video stream", nil)
	}
	if sourceDuration <= 0 {
		return nil
	}
	got := r.DurationSeconds()
	if math.IsNaN(got) || got <= 0 {
		return services.Wrap(services.ErrValidation, "encode", "verify", "output duration unavailable", nil)
	}
	if drift := math.Abs(got-sourceDuration) / sourceDuration; drift > DurationTolerance {
		return services.Wrap(services.ErrValidation, "encode", "verify",
			fmt.Sprintf("output duration %.1fs differs from source %.1fs by %.1f%%", got, sourceDuration, drift*100), nil)
	}
	return nil
}

// Verify inspects path and checks it against the source duration.
func Verify(ctx context.Context, binary, path string, sourceDuration float64) (Result, error) {
	result, err := Inspect(ctx, binary, path)
	if err != nil {
		return Result{}, err
	}
	return result, result.Check(sourceDuration)
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
