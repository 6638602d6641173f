// Package rules derives the encoder arguments ab-av1 receives for a video.
//
// Quality search and encode share the video rules. Audio flags only apply
// to the encode: the search never touches audio, so its argument list stays
// identical across retries regardless of the source's audio layout.
package rules

import (
	"fmt"
	"strings"

	"reencoder/internal/store"
)

// Purpose selects which argument groups Build emits.
type Purpose int

const (
	PurposeSearch Purpose = iota
	PurposeEncode
)

func (p Purpose) String() string {
	switch p {
	case PurposeSearch:
		return "search"
	case PurposeEncode:
		return "encode"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

const (
	pixelFormat    = "yuv420p10le"
	downscaleAbove = 1080
	downscaleWidth = 1920
)

// Build returns the rule arguments for video.
func Build(video *store.Video, purpose Purpose) []string {
	if video == nil {
		return nil
	}
	args := videoArgs(video.Metadata)
	if purpose == PurposeEncode {
		args = append(args, AudioArgs(video.Metadata)...)
	}
	return args
}

func videoArgs(meta store.Metadata) []string {
	args := []string{"--pix-format", pixelFormat, "--svt", "tune=0"}
	if meta.HDR != "" {
		args = append(args, "--svt", "enable-hdr=1")
	}
	if meta.Height > downscaleAbove {
		args = append(args, "--vfilter", fmt.Sprintf("scale=%d:-2", downscaleWidth))
	}
	return args
}

// AudioArgs copies Atmos tracks untouched and transcodes everything else to
// Opus at a bitrate scaled to the widest channel layout.
func AudioArgs(meta store.Metadata) []string {
	if meta.AudioCount == 0 {
		return nil
	}
	if meta.Atmos || allCodecs(meta.AudioCodecs, "opus") {
		return []string{"--acodec", "copy"}
	}
	return []string{"--acodec", "libopus", "--enc", "b:a=" + opusBitrate(meta.MaxAudioChannels)}
}

func opusBitrate(channels int) string {
	switch {
	case channels <= 1:
		return "64k"
	case channels == 2:
		return "128k"
	case channels <= 6:
		return "256k"
	default:
		return "384k"
	}
}

func allCodecs(codecs []string, want string) bool {
	if len(codecs) == 0 {
		return false
	}
	for _, c := range codecs {
		if !strings.EqualFold(strings.TrimSpace(c), want) {
			return false
		}
	}
	return true
}
