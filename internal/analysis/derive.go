package analysis

import (
	"fmt"
	"strings"

	"reencoder/internal/media/mediainfo"
	"reencoder/internal/services"
	"reencoder/internal/store"
)

// CodeInvalidMetadata marks a validation failure record.
const CodeInvalidMetadata = "invalid_metadata"

// Resolution buckets a frame size. Letterboxed sources are classified by
// width so a 1920x800 scope film still counts as 1080p.
func Resolution(width, height int) string {
	effective := max(height, width*9/16)
	switch {
	case effective >= 2000:
		return "2160p"
	case effective >= 1000:
		return "1080p"
	case effective >= 700:
		return "720p"
	case effective > 0:
		return "sd"
	default:
		return ""
	}
}

// Validate rejects metadata the later stages cannot work with.
func Validate(info mediainfo.Info) error {
	var problems []string
	if info.Bitrate <= 0 {
		problems = append(problems, "bitrate missing")
	}
	if info.Width <= 0 || info.Height <= 0 {
		problems = append(problems, "dimensions missing")
	}
	if info.Duration <= 0 {
		problems = append(problems, "duration missing")
	}
	if info.VideoCount == 0 || len(info.VideoCodecs) == 0 {
		problems = append(problems, "no video stream")
	}
	if len(info.AudioCodecs) != info.AudioCount {
		problems = append(problems, fmt.Sprintf("audio codecs (%d) do not match audio streams (%d)", len(info.AudioCodecs), info.AudioCount))
	}
	if len(problems) == 0 {
		return nil
	}
	return services.Wrap(services.ErrValidation, string(store.StageAnalysis), "validate", strings.Join(problems, "; "), nil)
}

// Derive converts inspected metadata into the stored form and fills in the
// season grouping parsed from path.
func Derive(info mediainfo.Info, path string) store.Metadata {
	meta := store.Metadata{
		Size:             info.Size,
		Bitrate:          info.Bitrate,
		Width:            info.Width,
		Height:           info.Height,
		Duration:         info.Duration,
		FrameRate:        info.FrameRate,
		VideoCodecs:      info.VideoCodecs,
		AudioCodecs:      info.AudioCodecs,
		VideoCount:       info.VideoCount,
		AudioCount:       info.AudioCount,
		MaxAudioChannels: info.MaxAudioChannels,
		Atmos:            info.Atmos,
		HDR:              info.HDR,
		Resolution:       Resolution(info.Width, info.Height),
	}
	if name := ParseName(path); name.SeriesKey != "" {
		meta.Title = name.Title
		meta.SeriesKey = name.SeriesKey
		meta.Season = name.Season
	}
	return meta
}
