package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLibrary(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateCRFSearch(); err != nil {
		return err
	}
	if err := c.validateConcurrency(); err != nil {
		return err
	}
	if err := validateUpstream("sonarr", c.Sonarr); err != nil {
		return err
	}
	if err := validateUpstream("radarr", c.Radarr); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateLibrary() error {
	seen := make(map[string]string)
	for _, dir := range c.Library.TVDirs {
		seen[dir] = "tv_dirs"
	}
	for _, dir := range c.Library.MovieDirs {
		if owner, ok := seen[dir]; ok {
			return fmt.Errorf("library.movie_dirs: %q is already listed in library.%s", dir, owner)
		}
	}
	return nil
}

func (c *Config) validateDispatch() error {
	sections := map[string]Dispatch{
		"analysis":   c.Analysis.Dispatch,
		"crf_search": c.CRFSearch.Dispatch,
		"encode":     c.Encode.Dispatch,
	}
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := sections[name]
		if d.BatchSize <= 0 {
			return fmt.Errorf("%s.batch_size must be positive", name)
		}
		if d.BatchWaitMS < 0 {
			return fmt.Errorf("%s.batch_wait_ms must not be negative", name)
		}
		if d.RatePerSecond < 0 {
			return fmt.Errorf("%s.rate_per_second must not be negative", name)
		}
		if d.RatePerSecond > 0 && d.Burst <= 0 {
			return fmt.Errorf("%s.burst must be positive when rate_per_second is set", name)
		}
	}
	if c.CRFSearch.BatchSize != 1 {
		return errors.New("crf_search.batch_size must be 1")
	}
	if c.Encode.BatchSize != 1 {
		return errors.New("encode.batch_size must be 1")
	}
	if c.Encode.TimeoutHours <= 0 {
		return errors.New("encode.timeout_hours must be positive")
	}
	return nil
}

func (c *Config) validateCRFSearch() error {
	s := c.CRFSearch
	if s.DefaultTarget <= 0 || s.DefaultTarget > 100 {
		return errors.New("crf_search.default_target must be between 0 and 100")
	}
	if s.MinCRF <= 0 || s.MaxCRF <= s.MinCRF {
		return errors.New("crf_search.min_crf must be positive and below crf_search.max_crf")
	}
	if s.MinRangeWidth <= 0 || s.MinRangeWidth > s.MaxCRF-s.MinCRF {
		return errors.New("crf_search.min_range_width must fit inside the default crf range")
	}
	if s.MinSeasonSamples < 2 {
		return errors.New("crf_search.min_season_samples must be at least 2")
	}
	if s.ConfidenceMultiplier <= 0 {
		return errors.New("crf_search.confidence_multiplier must be positive")
	}
	if s.RetryBudget < 0 {
		return errors.New("crf_search.retry_budget must not be negative")
	}
	if s.RetryPreset < 0 {
		return errors.New("crf_search.retry_preset must not be negative")
	}
	if s.TargetStep <= 0 {
		return errors.New("crf_search.target_step must be positive")
	}
	if s.MaxPredictedSizeGB <= 0 {
		return errors.New("crf_search.max_predicted_size_gb must be positive")
	}
	if s.AttemptTimeoutMinutes <= 0 {
		return errors.New("crf_search.attempt_timeout_minutes must be positive")
	}
	return nil
}

func (c *Config) validateConcurrency() error {
	cc := c.Concurrency
	if cc.MinWorkers <= 0 || cc.MaxWorkers < cc.MinWorkers {
		return errors.New("concurrency.min_workers must be positive and not exceed concurrency.max_workers")
	}
	if cc.BaseTimeoutSeconds <= 0 {
		return errors.New("concurrency.base_timeout_seconds must be positive")
	}
	if cc.LowMemoryMB <= 0 || cc.MediumMemoryMB <= cc.LowMemoryMB {
		return errors.New("concurrency.medium_memory_mb must be greater than concurrency.low_memory_mb")
	}
	if c.MetadataCache.MaxEntries <= 0 {
		return errors.New("metadata_cache.max_entries must be positive")
	}
	if c.MetadataCache.TTLSeconds <= 0 || c.MetadataCache.SweepSeconds <= 0 {
		return errors.New("metadata_cache.ttl_seconds and metadata_cache.sweep_seconds must be positive")
	}
	return nil
}

func validateUpstream(name string, u Upstream) error {
	if !u.Enabled {
		return nil
	}
	if u.URL == "" {
		return fmt.Errorf("%s.url must be set when %s.enabled is true", name, name)
	}
	if u.APIKey == "" {
		return fmt.Errorf("%s.api_key must be set when %s.enabled is true (or set %s_API_KEY)", name, name, strings.ToUpper(name))
	}
	if u.PollAttempts <= 0 || u.PollIntervalSeconds <= 0 {
		return fmt.Errorf("%s.poll_attempts and %s.poll_interval_seconds must be positive", name, name)
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Backend {
	case "memory":
		return nil
	case "redis":
		if c.Bus.RedisAddr == "" {
			return errors.New("bus.redis_addr must be set when bus.backend is redis")
		}
		return nil
	default:
		return fmt.Errorf("bus.backend: unsupported value %q", c.Bus.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
