package concurrency

import (
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/metrics"
)

// Settings tunes the computation. Zero values fall back to defaults.
type Settings struct {
	MinWorkers      int
	MaxWorkers      int
	BaseTimeout     time.Duration
	LowMemoryMB     int64
	MediumMemoryMB  int64
	RefreshInterval time.Duration
}

// SettingsFromConfig converts the concurrency config section.
func SettingsFromConfig(cfg config.Concurrency) Settings {
	return Settings{
		MinWorkers:      cfg.MinWorkers,
		MaxWorkers:      cfg.MaxWorkers,
		BaseTimeout:     time.Duration(cfg.BaseTimeoutSeconds) * time.Second,
		LowMemoryMB:     int64(cfg.LowMemoryMB),
		MediumMemoryMB:  int64(cfg.MediumMemoryMB),
		RefreshInterval: time.Duration(cfg.RefreshSeconds) * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	if s.MinWorkers <= 0 {
		s.MinWorkers = 2
	}
	if s.MaxWorkers < s.MinWorkers {
		s.MaxWorkers = max(16, s.MinWorkers)
	}
	if s.BaseTimeout <= 0 {
		s.BaseTimeout = 2 * time.Minute
	}
	if s.LowMemoryMB <= 0 {
		s.LowMemoryMB = 2048
	}
	if s.MediumMemoryMB <= 0 {
		s.MediumMemoryMB = 4096
	}
	return s
}

// Snapshot is one computation of workers and timeout.
type Snapshot struct {
	Workers  int
	Timeout  time.Duration
	Load     float64
	MemoryMB int64
	At       time.Time
}

// Manager computes analysis concurrency and caches the result for the
// refresh interval.
type Manager struct {
	info     SystemInfo
	settings Settings
	cpus     func() int
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last Snapshot
}

// New builds a manager. A nil info uses the host.
func New(info SystemInfo, settings Settings, logger *slog.Logger) *Manager {
	if info == nil {
		info = Host()
	}
	return &Manager{
		info:     info,
		settings: settings.withDefaults(),
		cpus:     runtime.NumCPU,
		now:      time.Now,
		logger:   logging.NewComponentLogger(logger, "concurrency"),
	}
}

// Workers returns the current analysis worker count.
func (m *Manager) Workers() int {
	return m.Snapshot().Workers
}

// Timeout returns the current analysis timeout.
func (m *Manager) Timeout() time.Duration {
	return m.Snapshot().Timeout
}

// Snapshot returns the cached computation, refreshing it when stale.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.last.At.IsZero() && m.settings.RefreshInterval > 0 && now.Sub(m.last.At) < m.settings.RefreshInterval {
		return m.last
	}
	load := m.readLoad()
	mem := m.readMemory()
	snap := Snapshot{
		Workers:  ComputeConcurrency(m.cpus(), load, mem, m.settings),
		Timeout:  ComputeTimeout(load, m.settings.BaseTimeout),
		Load:     load,
		MemoryMB: mem,
		At:       now,
	}
	if snap.Workers != m.last.Workers {
		m.logger.Info("analysis concurrency updated",
			logging.Int("workers", snap.Workers),
			logging.Duration("timeout", snap.Timeout),
			logging.Float64("load", load),
			logging.Int64("memory_mb", mem),
		)
	}
	metrics.AnalysisWorkers.Set(float64(snap.Workers))
	m.last = snap
	return snap
}

func (m *Manager) readLoad() float64 {
	load, err := m.info.LoadAverage()
	if err != nil || math.IsNaN(load) || load < 0 {
		m.logger.Debug("load average unavailable, assuming default", logging.Error(err))
		return DefaultLoad
	}
	return load
}

func (m *Manager) readMemory() int64 {
	mem, err := m.info.AvailableMemoryMB()
	if err != nil || mem < 0 {
		m.logger.Debug("available memory unavailable, assuming default", logging.Error(err))
		return DefaultMemoryMB
	}
	return mem
}

// ComputeConcurrency starts from max(4, cpus), scales down under load above
// 0.8 and under memory pressure, then clamps to the configured bounds.
func ComputeConcurrency(cpus int, load float64, memoryMB int64, s Settings) int {
	s = s.withDefaults()
	base := float64(max(4, cpus))
	if load > 0.8 {
		base *= math.Min(0.5, 0.8/load)
	}
	switch {
	case memoryMB < s.LowMemoryMB:
		base *= 0.5
	case memoryMB < s.MediumMemoryMB:
		base *= 0.8
	}
	workers := int(math.Floor(base))
	return min(max(workers, s.MinWorkers), s.MaxWorkers)
}

// ComputeTimeout scales the base timeout by 1.5 above load 2 and by 1.2
// above load 1.
func ComputeTimeout(load float64, base time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Minute
	}
	switch {
	case load > 2.0:
		return time.Duration(float64(base) * 1.5)
	case load > 1.0:
		return time.Duration(float64(base) * 1.2)
	default:
		return base
	}
}
