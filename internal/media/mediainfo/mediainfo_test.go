package mediainfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"reencoder/internal/services"
)

const singleDoc = `{
  "creatingLibrary": {"name": "MediaInfoLib", "version": "24.01"},
  "media": {
    "@ref": "/tv/Show/Season 01/Show S01E01.mkv",
    "track": [
      {"@type": "General", "VideoCount": "1", "AudioCount": "2", "FileSize": "4000000000",
       "Duration": "2700.512", "OverallBitRate": "11850000", "FrameRate": "23.976"},
      {"@type": "Video", "Format": "AVC", "Width": "1920", "Height": "1080", "FrameRate": "23.976",
       "BitRate": "10000000", "HDR_Format": "SMPTE ST 2086"},
      {"@type": "Audio", "Format": "E-AC-3", "Channels": "6",
       "Format_Commercial_IfAny": "Dolby Digital Plus with Dolby Atmos"},
      {"@type": "Audio", "Format": "AAC", "Channels": 2},
      {"@type": "Text", "Format": "UTF-8"}
    ]
  }
}`

const multiDoc = `[
  {"media": {"@ref": "/movies/b.mkv", "track": [
    {"@type": "General", "AudioCount": "1", "OverallBitRate": "5000000", "Duration": "10"},
    {"@type": "Video", "Format": "HEVC", "Width": "3840", "Height": "2160"},
    {"@type": "Audio", "Format": "AAC", "Channels": "2"}]}},
  {"media": {"@ref": "/movies/a.mkv", "track": [
    {"@type": "General", "AudioCount": "1", "OverallBitRate": "2000000", "Duration": "20"},
    {"@type": "Video", "Format": "AVC", "Width": "1280", "Height": "720"},
    {"@type": "Audio", "Format": "AC-3", "Channels": "6"}]}}
]`

func TestParseSingleDocument(t *testing.T) {
	docs, err := Parse([]byte(singleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	info := docs[0].Info()
	if info.Path != "/tv/Show/Season 01/Show S01E01.mkv" {
		t.Fatalf("unexpected path %q", info.Path)
	}
	if info.Bitrate != 11850000 || info.Width != 1920 || info.Height != 1080 {
		t.Fatalf("unexpected dimensions/bitrate: %+v", info)
	}
	if info.Duration != 2700.512 || info.Size != 4000000000 {
		t.Fatalf("unexpected duration/size: %+v", info)
	}
	if info.AudioCount != 2 || len(info.AudioCodecs) != 2 || info.MaxAudioChannels != 6 {
		t.Fatalf("unexpected audio: %+v", info)
	}
	if !info.Atmos {
		t.Fatal("expected atmos to be detected")
	}
	if info.HDR != "HDR10" {
		t.Fatalf("expected HDR10, got %q", info.HDR)
	}
	if len(info.VideoCodecs) != 1 || info.VideoCodecs[0] != "AVC" || info.VideoCount != 1 {
		t.Fatalf("unexpected video codecs %+v", info)
	}
}

func TestParseArrayKeepsOutputOrder(t *testing.T) {
	docs, err := Parse([]byte(multiDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].Info().Path != "/movies/b.mkv" || docs[1].Info().Path != "/movies/a.mkv" {
		t.Fatalf("unexpected order: %q, %q", docs[0].Info().Path, docs[1].Info().Path)
	}
	if docs[0].Info().VideoCount != 1 {
		t.Fatalf("expected video count derived from tracks, got %d", docs[0].Info().VideoCount)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("   ")); err == nil {
		t.Fatal("expected error for empty output")
	}
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid output")
	}
}

func TestClassifyHDR(t *testing.T) {
	cases := map[[2]string]string{
		{"Dolby Vision, Version 1.0, dvhe.08.06, BL+RPU, HDR10 compatible", ""}: "DV",
		{"SMPTE ST 2094 App 4, Version 1, HDR10+ Profile B compatible", ""}:    "HDR10+",
		{"SMPTE ST 2086, HDR10 compatible", ""}:                                "HDR10",
		{"", "PQ"}:                                                             "HDR10",
		{"", "HLG"}:                                                            "HLG",
		{"", "BT.709"}:                                                         "",
	}
	for in, want := range cases {
		if got := classifyHDR(in[0], in[1]); got != want {
			t.Errorf("classifyHDR(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestInspectManyPassesAllPaths(t *testing.T) {
	var captured []string
	setHelperCommand(t, "multi", &captured)

	infos, err := InspectMany(context.Background(), "", []string{"/movies/a.mkv", "/movies/b.mkv"})
	if err != nil {
		t.Fatalf("InspectMany: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	want := []string{"--Output=JSON", "/movies/a.mkv", "/movies/b.mkv"}
	if fmt.Sprint(captured) != fmt.Sprint(want) {
		t.Fatalf("unexpected args %v", captured)
	}
}

func TestInspectClassifiesExitFailure(t *testing.T) {
	setHelperCommand(t, "failure", nil)

	_, err := Inspect(context.Background(), "mediainfo", "/movies/a.mkv")
	if !errors.Is(err, services.ErrToolExit) {
		t.Fatalf("expected tool exit error, got %v", err)
	}
}

func TestInspectClassifiesBadOutput(t *testing.T) {
	setHelperCommand(t, "garbage", nil)

	_, err := Inspect(context.Background(), "mediainfo", "/movies/a.mkv")
	if !errors.Is(err, services.ErrToolOutput) {
		t.Fatalf("expected tool output error, got %v", err)
	}
}

func TestInspectRejectsEmptyPath(t *testing.T) {
	if _, err := Inspect(context.Background(), "", " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func setHelperCommand(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string(nil), args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "MEDIAINFO_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("MEDIAINFO_HELPER_MODE") {
	case "single":
		fmt.Println(singleDoc)
		os.Exit(0)
	case "multi":
		fmt.Println(multiDoc)
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "unable to open file")
		os.Exit(1)
	case "garbage":
		fmt.Println("<xml/>")
		os.Exit(0)
	default:
		os.Exit(0)
	}
}
