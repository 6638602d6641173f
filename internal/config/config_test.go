package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"reencoder/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "reencoder")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "reencoder.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.Paths.APIBind != "127.0.0.1:7488" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.CRFSearch.DefaultTarget != 95 {
		t.Fatalf("expected default target 95, got %v", cfg.CRFSearch.DefaultTarget)
	}
	if cfg.CRFSearch.RetryBudget != 2 {
		t.Fatalf("expected retry budget 2, got %d", cfg.CRFSearch.RetryBudget)
	}
	if cfg.CRFSearch.MaxPredictedSizeBytes() != 10_000_000_000 {
		t.Fatalf("unexpected size cap: %d", cfg.CRFSearch.MaxPredictedSizeBytes())
	}
	if cfg.Bus.Backend != "memory" {
		t.Fatalf("expected memory bus, got %q", cfg.Bus.Backend)
	}
	if cfg.Sonarr.Enabled || cfg.Radarr.Enabled {
		t.Fatal("expected upstream services disabled by default")
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "reencoder.toml")

	custom := config.Default()
	custom.Paths.DataDir = filepath.Join(tempDir, "data")
	custom.Library.TVDirs = []string{filepath.Join(tempDir, "tv")}
	custom.Library.Extensions = []string{"MKV", ""}
	custom.CRFSearch.RetryBudget = 3
	custom.Logging.Format = "JSON"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.CRFSearch.RetryBudget != 3 {
		t.Fatalf("expected retry budget 3, got %d", cfg.CRFSearch.RetryBudget)
	}
	if len(cfg.Library.Extensions) != 1 || cfg.Library.Extensions[0] != ".mkv" {
		t.Fatalf("unexpected extensions: %v", cfg.Library.Extensions)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json log format, got %q", cfg.Logging.Format)
	}
}

func TestEnvVarOverridesUpstreamKeys(t *testing.T) {
	t.Setenv("SONARR_API_KEY", "env-sonarr")
	t.Setenv("REENCODER_REDIS_ADDR", "127.0.0.1:6380")
	configPath := filepath.Join(t.TempDir(), "reencoder.toml")
	body := "[sonarr]\nenabled = true\nurl = \"http://sonarr:8989/\"\napi_key = \"file\"\n\n[bus]\nbackend = \"redis\"\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Sonarr.APIKey != "env-sonarr" {
		t.Fatalf("expected Sonarr key from env, got %q", cfg.Sonarr.APIKey)
	}
	if cfg.Sonarr.URL != "http://sonarr:8989" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Sonarr.URL)
	}
	if cfg.Bus.RedisAddr != "127.0.0.1:6380" {
		t.Fatalf("expected redis addr from env, got %q", cfg.Bus.RedisAddr)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "your_sonarr_api_key_here") {
		t.Fatalf("sample config missing placeholder key: %s", contents)
	}
	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if cfg.CRFSearch.RetryBudget != 2 {
		t.Fatalf("sample retry budget = %d, want 2", cfg.CRFSearch.RetryBudget)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"search batch", func(c *config.Config) { c.CRFSearch.BatchSize = 2 }, "crf_search.batch_size"},
		{"crf range", func(c *config.Config) { c.CRFSearch.MaxCRF = 5 }, "min_crf"},
		{"negative budget", func(c *config.Config) { c.CRFSearch.RetryBudget = -1 }, "retry_budget"},
		{"workers", func(c *config.Config) { c.Concurrency.MaxWorkers = 1 }, "min_workers"},
		{"sonarr url", func(c *config.Config) { c.Sonarr.Enabled = true; c.Sonarr.APIKey = "k" }, "sonarr.url"},
		{"redis addr", func(c *config.Config) { c.Bus.Backend = "redis" }, "bus.redis_addr"},
		{"bus backend", func(c *config.Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"overlap", func(c *config.Config) {
			c.Library.TVDirs = []string{"/media/a"}
			c.Library.MovieDirs = []string{"/media/a"}
		}, "already listed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}
