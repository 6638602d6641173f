package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"reencoder/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Library.TVDirs = []string{filepath.Join(base, "library", "tv")}
	cfgVal.Library.MovieDirs = []string{filepath.Join(base, "library", "movies")}
	cfgVal.Analysis.BatchWaitMS = 10
	cfgVal.Analysis.RatePerSecond = 1000
	cfgVal.Analysis.Burst = 100
	cfgVal.CRFSearch.RatePerSecond = 1000
	cfgVal.CRFSearch.Burst = 100
	cfgVal.Encode.RatePerSecond = 1000
	cfgVal.Encode.Burst = 100

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSonarr points the Sonarr upstream at the given URL.
func WithSonarr(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sonarr.Enabled = true
		b.cfg.Sonarr.URL = url
		b.cfg.Sonarr.APIKey = "test"
		b.cfg.Sonarr.PollAttempts = 3
		b.cfg.Sonarr.PollIntervalSeconds = 0
	}
}

// WithRadarr points the Radarr upstream at the given URL.
func WithRadarr(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Radarr.Enabled = true
		b.cfg.Radarr.URL = url
		b.cfg.Radarr.APIKey = "test"
		b.cfg.Radarr.PollAttempts = 3
		b.cfg.Radarr.PollIntervalSeconds = 0
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default external tools are
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ab-av1", "mediainfo", "ffprobe"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
