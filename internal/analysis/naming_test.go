package analysis

import "testing"

func TestParseName(t *testing.T) {
	tests := []struct {
		path string
		want Name
	}{
		{"/tv/The Expanse/Season 02/The.Expanse.S02E05.1080p.mkv", Name{Title: "The Expanse", SeriesKey: "the-expanse", Season: 2, Episode: 5}},
		{"/tv/Dark (2017)/Season 1/Episode 3.mkv", Name{Title: "Dark (2017)", SeriesKey: "dark", Season: 1}},
		{"/tv/Show/Show - 3x07 - Title.mkv", Name{Title: "Show", SeriesKey: "show", Season: 3, Episode: 7}},
		{"/tv/Severance/S01E01.mkv", Name{Title: "Severance", SeriesKey: "severance", Season: 1, Episode: 1}},
		{"/tv/Ünïcode Show/Staffel 2/e01.mkv", Name{Title: "Ünïcode Show", SeriesKey: "ünïcode-show", Season: 2}},
		{"/movies/Heat (1995)/Heat (1995) 1920x1080.mkv", Name{}},
	}
	for _, tt := range tests {
		if got := ParseName(tt.path); got != tt.want {
			t.Fatalf("ParseName(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestSeriesKeyFoldsCase(t *testing.T) {
	if SeriesKey("The OFFICE (US)") != SeriesKey("the office (us)") {
		t.Fatal("expected case-insensitive keys")
	}
}

func TestResolution(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{3840, 2160, "2160p"},
		{1920, 1080, "1080p"},
		{1920, 800, "1080p"},
		{1280, 720, "720p"},
		{720, 480, "sd"},
		{0, 0, ""},
	}
	for _, tt := range tests {
		if got := Resolution(tt.w, tt.h); got != tt.want {
			t.Fatalf("Resolution(%d, %d) = %q, want %q", tt.w, tt.h, got, tt.want)
		}
	}
}
