package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeLibrary(); err != nil {
		return err
	}
	c.normalizeTools()
	normalizeUpstream(&c.Sonarr, "SONARR_API_KEY")
	normalizeUpstream(&c.Radarr, "RADARR_API_KEY")
	c.normalizeBus()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if value, ok := os.LookupEnv("REENCODER_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeLibrary() error {
	expandAll := func(section string, dirs []string) ([]string, error) {
		out := make([]string, 0, len(dirs))
		for _, dir := range dirs {
			if strings.TrimSpace(dir) == "" {
				continue
			}
			expanded, err := expandPath(strings.TrimSpace(dir))
			if err != nil {
				return nil, fmt.Errorf("library.%s: %w", section, err)
			}
			out = append(out, expanded)
		}
		return out, nil
	}
	var err error
	if c.Library.TVDirs, err = expandAll("tv_dirs", c.Library.TVDirs); err != nil {
		return err
	}
	if c.Library.MovieDirs, err = expandAll("movie_dirs", c.Library.MovieDirs); err != nil {
		return err
	}
	exts := make([]string, 0, len(c.Library.Extensions))
	for _, ext := range c.Library.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = append(exts, defaultExtensions...)
	}
	c.Library.Extensions = exts
	return nil
}

func (c *Config) normalizeTools() {
	c.Tools.AbAv1 = strings.TrimSpace(c.Tools.AbAv1)
	if c.Tools.AbAv1 == "" {
		c.Tools.AbAv1 = defaultAbAv1Binary
	}
	c.Tools.Mediainfo = strings.TrimSpace(c.Tools.Mediainfo)
	if c.Tools.Mediainfo == "" {
		c.Tools.Mediainfo = defaultMediainfoBinary
	}
	c.Tools.FFprobe = strings.TrimSpace(c.Tools.FFprobe)
	if c.Tools.FFprobe == "" {
		c.Tools.FFprobe = defaultFFprobeBinary
	}
}

func normalizeUpstream(u *Upstream, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		u.APIKey = value
	}
	u.URL = strings.TrimRight(strings.TrimSpace(u.URL), "/")
	u.APIKey = strings.TrimSpace(u.APIKey)
	if u.RequestTimeout <= 0 {
		u.RequestTimeout = defaultUpstreamTimeout
	}
}

func (c *Config) normalizeBus() {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = defaultBusBackend
	}
	if value, ok := os.LookupEnv("REENCODER_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Bus.RedisAddr = strings.TrimSpace(value)
	}
	c.Bus.RedisAddr = strings.TrimSpace(c.Bus.RedisAddr)
	c.Bus.ChannelPrefix = strings.TrimSpace(c.Bus.ChannelPrefix)
	if c.Bus.ChannelPrefix == "" {
		c.Bus.ChannelPrefix = defaultChannelPrefix
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text":
		c.Logging.Format = defaultLogFormat
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
