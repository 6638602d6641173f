package mediainfo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"reencoder/internal/services"
)

var commandContext = exec.CommandContext

// Document is one file's mediainfo JSON output.
type Document struct {
	Media *Media `json:"media"`
}

// Media lists the tracks of one file.
type Media struct {
	Ref    string  `json:"@ref"`
	Tracks []Track `json:"track"`
}

// Track carries the fields the pipeline reads. mediainfo emits numbers as strings.
type Track struct {
	Type                     string `json:"@type"`
	Format                   Value  `json:"Format"`
	FormatCommercial         Value  `json:"Format_Commercial_IfAny"`
	FormatAdditionalFeatures Value  `json:"Format_AdditionalFeatures"`
	Duration                 Value  `json:"Duration"`
	OverallBitRate           Value  `json:"OverallBitRate"`
	BitRate                  Value  `json:"BitRate"`
	FileSize                 Value  `json:"FileSize"`
	AudioCount               Value  `json:"AudioCount"`
	VideoCount               Value  `json:"VideoCount"`
	Width                    Value  `json:"Width"`
	Height                   Value  `json:"Height"`
	FrameRate                Value  `json:"FrameRate"`
	Channels                 Value  `json:"Channels"`
	HDRFormat                Value  `json:"HDR_Format"`
	TransferCharacteristics  Value  `json:"transfer_characteristics"`
}

// Value accepts either a JSON string or a JSON number.
type Value string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	*v = Value(data)
	return nil
}

func (v Value) String() string { return strings.TrimSpace(string(v)) }

// Float parses the leading number, or returns 0.
func (v Value) Float() float64 {
	s := leadingNumber(v.String())
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Int parses the leading integer, or returns 0.
func (v Value) Int() int64 {
	return int64(v.Float())
}

func leadingNumber(s string) string {
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || (end == 0 && c == '-') {
			end++
			continue
		}
		break
	}
	return s[:end]
}

// Info is the pipeline's view of one file.
type Info struct {
	Path             string
	Size             int64
	Bitrate          int64
	Duration         float64
	Width            int
	Height           int
	FrameRate        float64
	VideoCodecs      []string
	AudioCodecs      []string
	VideoCount       int
	AudioCount       int
	MaxAudioChannels int
	Atmos            bool
	HDR              string
}

// Inspect runs mediainfo on a single path.
func Inspect(ctx context.Context, binary, path string) (Info, error) {
	infos, err := InspectMany(ctx, binary, []string{path})
	if err != nil {
		return Info{}, err
	}
	if len(infos) != 1 {
		return Info{}, services.Wrap(services.ErrToolOutput, "analysis", "mediainfo", fmt.Sprintf("expected 1 document, got %d", len(infos)), nil)
	}
	if infos[0].Path == "" {
		infos[0].Path = path
	}
	return infos[0], nil
}

// InspectMany runs a single mediainfo invocation over paths and returns one
// Info per document in output order.
func InspectMany(ctx context.Context, binary string, paths []string) ([]Info, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, errors.New("mediainfo inspect: empty path")
		}
	}
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "mediainfo"
	}

	args := append([]string{"--Output=JSON"}, paths...)
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrTimeout, "analysis", "mediainfo", "inspection cancelled", ctx.Err())
		}
		return nil, services.Wrap(services.ErrToolExit, "analysis", "mediainfo", strings.TrimSpace(stderr.String()), err)
	}
	docs, err := Parse(output)
	if err != nil {
		return nil, services.Wrap(services.ErrToolOutput, "analysis", "mediainfo", "parse output", err)
	}
	infos := make([]Info, 0, len(docs))
	for _, doc := range docs {
		infos = append(infos, doc.Info())
	}
	return infos, nil
}

// Parse decodes either a single document or an array of documents.
func Parse(data []byte) ([]Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty output")
	}
	if data[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return []Document{doc}, nil
}

// Info flattens the document's tracks.
func (d Document) Info() Info {
	var info Info
	if d.Media == nil {
		return info
	}
	info.Path = d.Media.Ref
	for _, track := range d.Media.Tracks {
		switch track.Type {
		case "General":
			info.Size = track.FileSize.Int()
			info.Bitrate = track.OverallBitRate.Int()
			info.Duration = track.Duration.Float()
			info.AudioCount = int(track.AudioCount.Int())
			info.VideoCount = int(track.VideoCount.Int())
			if fr := track.FrameRate.Float(); fr > 0 {
				info.FrameRate = fr
			}
		case "Video":
			if codec := track.Format.String(); codec != "" {
				info.VideoCodecs = append(info.VideoCodecs, codec)
			}
			if info.Width == 0 {
				info.Width = int(track.Width.Int())
				info.Height = int(track.Height.Int())
			}
			if fr := track.FrameRate.Float(); fr > 0 {
				info.FrameRate = fr
			}
			if info.HDR == "" {
				info.HDR = classifyHDR(track.HDRFormat.String(), track.TransferCharacteristics.String())
			}
			if info.Bitrate == 0 {
				info.Bitrate = track.BitRate.Int()
			}
		case "Audio":
			if codec := track.Format.String(); codec != "" {
				info.AudioCodecs = append(info.AudioCodecs, codec)
			}
			if ch := int(track.Channels.Int()); ch > info.MaxAudioChannels {
				info.MaxAudioChannels = ch
			}
			if isAtmos(track) {
				info.Atmos = true
			}
		}
	}
	if info.VideoCount == 0 {
		info.VideoCount = len(info.VideoCodecs)
	}
	return info
}

func isAtmos(track Track) bool {
	if strings.Contains(strings.ToLower(track.FormatCommercial.String()), "atmos") {
		return true
	}
	return strings.Contains(strings.ToUpper(track.FormatAdditionalFeatures.String()), "JOC")
}

func classifyHDR(format, transfer string) string {
	f := strings.ToLower(format)
	switch {
	case strings.Contains(f, "dolby vision"):
		return "DV"
	case strings.Contains(f, "2094"):
		return "HDR10+"
	case strings.Contains(f, "2086"), strings.Contains(f, "hdr10"):
		return "HDR10"
	}
	t := strings.ToLower(transfer)
	switch {
	case strings.Contains(t, "pq"), strings.Contains(t, "2084"):
		return "HDR10"
	case strings.Contains(t, "hlg"):
		return "HLG"
	}
	return ""
}
