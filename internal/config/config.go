package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
// APIToken, when set, is required as a bearer token on every control API
// request.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	WorkDir  string `toml:"work_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Library lists the roots the scanner walks. TV roots belong to Sonarr and
// movie roots to Radarr.
type Library struct {
	TVDirs     []string `toml:"tv_dirs"`
	MovieDirs  []string `toml:"movie_dirs"`
	Extensions []string `toml:"extensions"`
	Watch      bool     `toml:"watch"`
}

// Tools names the external binaries.
type Tools struct {
	AbAv1     string `toml:"ab_av1"`
	Mediainfo string `toml:"mediainfo"`
	FFprobe   string `toml:"ffprobe"`
}

// Dispatch holds the batching and rate limiting knobs shared by every stage.
type Dispatch struct {
	BatchSize     int     `toml:"batch_size"`
	BatchWaitMS   int     `toml:"batch_wait_ms"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Analysis configures the metadata stage.
type Analysis struct {
	Dispatch
}

// CRFSearch configures the quality-search stage and its retry cascade.
type CRFSearch struct {
	Dispatch
	DefaultTarget         float64 `toml:"default_target"`
	MinCRF                float64 `toml:"min_crf"`
	MaxCRF                float64 `toml:"max_crf"`
	MinSeasonSamples      int     `toml:"min_season_samples"`
	ConfidenceMultiplier  float64 `toml:"confidence_multiplier"`
	MinRangeWidth         float64 `toml:"min_range_width"`
	RetryBudget           int     `toml:"retry_budget"`
	RetryPreset           int     `toml:"retry_preset"`
	TargetStep            float64 `toml:"target_step"`
	MaxPredictedSizeGB    float64 `toml:"max_predicted_size_gb"`
	AttemptTimeoutMinutes int     `toml:"attempt_timeout_minutes"`
}

// Encode configures the encode stage.
type Encode struct {
	Dispatch
	TimeoutHours int  `toml:"timeout_hours"`
	VerifyOutput bool `toml:"verify_output"`
}

// Concurrency configures the load-aware worker computation for analysis.
type Concurrency struct {
	MinWorkers         int `toml:"min_workers"`
	MaxWorkers         int `toml:"max_workers"`
	BaseTimeoutSeconds int `toml:"base_timeout_seconds"`
	LowMemoryMB        int `toml:"low_memory_mb"`
	MediumMemoryMB     int `toml:"medium_memory_mb"`
	RefreshSeconds     int `toml:"refresh_seconds"`
}

// MetadataCache configures the mediainfo result cache.
type MetadataCache struct {
	MaxEntries   int `toml:"max_entries"`
	TTLSeconds   int `toml:"ttl_seconds"`
	SweepSeconds int `toml:"sweep_seconds"`
}

// Upstream contains connection settings for a Sonarr or Radarr instance.
type Upstream struct {
	Enabled             bool   `toml:"enabled"`
	URL                 string `toml:"url"`
	APIKey              string `toml:"api_key"`
	RequestTimeout      int    `toml:"request_timeout"`
	PollAttempts        int    `toml:"poll_attempts"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// Bus selects the notification bus backend.
type Bus struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	ChannelPrefix string `toml:"channel_prefix"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Encoded        bool   `toml:"encoded"`
	Failures       bool   `toml:"failures"`
}

// Workflow contains daemon timing settings.
type Workflow struct {
	PollIntervalSeconds int  `toml:"poll_interval_seconds"`
	AutoStart           bool `toml:"auto_start"`
	ScanOnStart         bool `toml:"scan_on_start"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for reencoder.
//
// Configuration sections by subsystem:
//   - Paths: database, logs, temporary encode output, API bind address
//   - Library: scanner roots and watch toggle
//   - Tools: ab-av1, mediainfo and ffprobe binaries
//   - Analysis, CRFSearch, Encode: per-stage dispatch and stage behaviour
//   - Concurrency: load-aware analysis worker count and timeout
//   - MetadataCache: mediainfo cache bounds
//   - Sonarr, Radarr: upstream media services
//   - Bus: memory or redis notification bus
//   - Notifications: ntfy push notification settings
//   - Workflow: polling interval and startup behaviour
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Library       Library       `toml:"library"`
	Tools         Tools         `toml:"tools"`
	Analysis      Analysis      `toml:"analysis"`
	CRFSearch     CRFSearch     `toml:"crf_search"`
	Encode        Encode        `toml:"encode"`
	Concurrency   Concurrency   `toml:"concurrency"`
	MetadataCache MetadataCache `toml:"metadata_cache"`
	Sonarr        Upstream      `toml:"sonarr"`
	Radarr        Upstream      `toml:"radarr"`
	Bus           Bus           `toml:"bus"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/reencoder/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reencoder.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "reencoder.db")
}

// BatchWait converts the configured batch wait into a duration.
func (d Dispatch) BatchWait() time.Duration {
	return time.Duration(d.BatchWaitMS) * time.Millisecond
}

// AttemptTimeout returns the per-attempt quality-search timeout.
func (c CRFSearch) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMinutes) * time.Minute
}

// MaxPredictedSizeBytes returns the hard cap on a chosen candidate's predicted size.
func (c CRFSearch) MaxPredictedSizeBytes() int64 {
	return int64(c.MaxPredictedSizeGB * 1e9)
}

// Timeout returns the fixed encode ceiling.
func (e Encode) Timeout() time.Duration {
	return time.Duration(e.TimeoutHours) * time.Hour
}

// PollInterval returns the upstream command polling interval.
func (u Upstream) PollInterval() time.Duration {
	return time.Duration(u.PollIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
