package deps

import (
	"os"
	"path/filepath"
	"testing"

	"reencoder/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Unset", Command: " "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("expected unset command to be reported, got %#v", results[2])
	}
}

func TestRequirementsFollowTools(t *testing.T) {
	tools := config.Tools{AbAv1: "/opt/ab-av1", Mediainfo: "mediainfo", FFprobe: "ffprobe"}

	reqs := Requirements(tools, false)
	if len(reqs) != 4 {
		t.Fatalf("expected 4 requirements, got %d", len(reqs))
	}
	byName := map[string]Requirement{}
	for _, r := range reqs {
		byName[r.Name] = r
	}
	if byName[NameAbAv1].Command != "/opt/ab-av1" {
		t.Fatalf("unexpected ab-av1 command %q", byName[NameAbAv1].Command)
	}
	if !byName[NameFFprobe].Optional {
		t.Fatal("ffprobe should be optional without verification")
	}
	if Requirements(tools, true)[3].Optional {
		t.Fatal("ffprobe should be required with verification")
	}
}
