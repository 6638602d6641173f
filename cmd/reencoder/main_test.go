package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reencoder/internal/api"
)

type fakeDaemon struct {
	requests []string
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	var payload any
	switch {
	case r.URL.Path == "/api/status":
		payload = api.DaemonStatus{
			Running: true,
			PID:     42,
			Stages: []api.StageStatus{
				{Name: "analysis", Demand: 4, Workers: 2},
				{Name: "crf_search", Paused: true, Workers: 1},
				{Name: "encode", Workers: 1},
			},
			Counts:       map[string]int{"needs_analysis": 3, "failed": 1},
			StageHealth:  []api.StageHealth{{Name: "analysis", Ready: false, Detail: "mediainfo unavailable"}},
			Dependencies: []api.DependencyStatus{{Name: "mediainfo", Command: "mediainfo", Available: false, Detail: "not found"}},
		}
	case r.URL.Path == "/api/videos":
		payload = api.VideoListResponse{Videos: []api.Video{{ID: 7, State: r.URL.Query().Get("state"), Path: "/tv/Show/Show S01E01.mkv", Size: 4_000_000_000, Resolution: "1080p"}}}
	case r.URL.Path == "/api/videos/7":
		payload = api.VideoResponse{
			Video:      api.Video{ID: 7, Path: "/tv/Show/Show S01E01.mkv", State: "crf_searched", Size: 4_000_000_000},
			Candidates: []api.Candidate{{ID: 1, CRF: 23.5, Score: 95.1, PredictedSize: 1_000_000_000, Percent: 25, Chosen: true}},
		}
	case r.URL.Path == "/api/videos/8":
		w.WriteHeader(http.StatusNotFound)
		payload = api.ErrorResponse{Error: "video 8 not found"}
	case r.URL.Path == "/api/videos/7/failures":
		payload = api.FailureListResponse{Failures: []api.Failure{{Stage: "crf_search", Category: "tool_exit", Message: "ab-av1 exited 1"}}}
	case strings.HasSuffix(r.URL.Path, "/requeue"), strings.HasSuffix(r.URL.Path, "/enqueue"),
		strings.HasSuffix(r.URL.Path, "/pause"), strings.HasSuffix(r.URL.Path, "/resume"):
		payload = api.ActionResponse{OK: true, Message: "done: " + r.URL.Path}
	case r.URL.Path == "/api/scan":
		payload = api.ScanResponse{Found: 10, Added: 2}
	default:
		w.WriteHeader(http.StatusNotFound)
		payload = api.ErrorResponse{Error: "no route"}
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "missing.toml")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	full := []string{"--config", cfgPath}
	if srv != nil {
		full = append(full, "--api", srv.URL)
	}
	cmd.SetArgs(append(full, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusRendersSections(t *testing.T) {
	fake := &fakeDaemon{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	out, err := runCLI(t, srv, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"== Daemon ==", "running (pid 42)", "crf_search", "paused", "no: mediainfo unavailable", "[ERROR] 1", "[ERROR] mediainfo not found"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	srv := httptest.NewServer(&fakeDaemon{})
	defer srv.Close()

	out, err := runCLI(t, srv, "--json", "status")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status api.DaemonStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode json output: %v\n%s", err, out)
	}
	if status.PID != 42 || len(status.Stages) != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestVideosCommands(t *testing.T) {
	fake := &fakeDaemon{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	out, err := runCLI(t, srv, "videos", "list", "--state", "failed")
	if err != nil {
		t.Fatalf("videos list: %v", err)
	}
	if !strings.Contains(out, "Show S01E01.mkv") || !strings.Contains(out, "4.0 GB") || !strings.Contains(out, "failed") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	out, err = runCLI(t, srv, "videos", "show", "7")
	if err != nil {
		t.Fatalf("videos show: %v", err)
	}
	if !strings.Contains(out, "crf_searched") || !strings.Contains(out, "23.5") || !strings.Contains(out, "Candidates") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	out, err = runCLI(t, srv, "videos", "failures", "7")
	if err != nil {
		t.Fatalf("videos failures: %v", err)
	}
	if !strings.Contains(out, "ab-av1 exited 1") {
		t.Fatalf("unexpected failures output:\n%s", out)
	}

	_, err = runCLI(t, srv, "videos", "show", "8")
	if err == nil || err.Error() != "video 8 not found" {
		t.Fatalf("expected not found error, got %v", err)
	}

	if _, err := runCLI(t, srv, "videos", "show", "abc"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestActionCommands(t *testing.T) {
	fake := &fakeDaemon{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	for _, args := range [][]string{
		{"videos", "requeue", "7"},
		{"videos", "enqueue", "7"},
		{"stage", "pause", "encode"},
		{"stage", "resume", "encode"},
		{"scan"},
	} {
		if _, err := runCLI(t, srv, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	want := []string{
		"POST /api/videos/7/requeue",
		"POST /api/videos/7/enqueue",
		"POST /api/stages/encode/pause",
		"POST /api/stages/encode/resume",
		"POST /api/scan",
	}
	if strings.Join(fake.requests, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected requests %v", fake.requests)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config not written: %v", err)
	}

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error when config exists")
	}

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", target, "config", "validate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration valid") {
		t.Fatalf("unexpected validate output:\n%s", out.String())
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:           "512 B",
		1_500:         "1.5 kB",
		4_000_000_000: "4.0 GB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
