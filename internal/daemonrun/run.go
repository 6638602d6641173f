package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"reencoder/internal/analysis"
	"reencoder/internal/bus"
	"reencoder/internal/concurrency"
	"reencoder/internal/config"
	"reencoder/internal/crfsearch"
	"reencoder/internal/daemon"
	"reencoder/internal/deps"
	"reencoder/internal/encoding"
	"reencoder/internal/logging"
	"reencoder/internal/metacache"
	"reencoder/internal/notifications"
	"reencoder/internal/pipeline"
	"reencoder/internal/scanner"
	"reencoder/internal/services/abav1"
	"reencoder/internal/state"
	"reencoder/internal/store"
	"reencoder/internal/upstream"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the reencoder daemon and blocks until a signal arrives or the
// runtime fails.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	logger, logPath, err := logging.NewFromConfig(cfg, uuid.NewString())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("reencoder daemon starting",
		logging.String(logging.FieldEventType, "daemon_starting"),
		logging.String("log_path", logPath),
	)
	logDependencySnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.DataDir, "reencoderd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, cleanup, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("daemon wiring failed", logging.Error(err))
		return err
	}
	defer cleanup()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	select {
	case <-signalCtx.Done():
		logger.Info("reencoder daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	case <-d.Done():
	}
	d.Stop()
	if err := d.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Build opens the store and bus and wires every component into a daemon.
// The cleanup function stops the daemon and releases the bus and store.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, func(), error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	b, closeBus, err := bus.Open(ctx, cfg.Bus, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("open bus: %w", err)
	}

	machine := state.New(st, b, logger)
	cache := metacache.New(metacache.ToolFetcher{Binary: cfg.Tools.Mediainfo}, metacache.OptionsFromConfig(cfg.MetadataCache), logger)
	sizer := concurrency.New(concurrency.Host(), concurrency.SettingsFromConfig(cfg.Concurrency), logger)
	registry := upstream.NewRegistry(cfg, st, nil, logger)
	runner := abav1.New(cfg.Tools.AbAv1)
	notifier := notifications.NewService(cfg.Notifications)

	encoder := encoding.New(cfg, machine, runner, registry, notifier, b, logger)
	pipe := pipeline.New(cfg, machine, b, pipeline.Stages{
		Analysis: analysis.New(cache, machine, registry, logger),
		Search:   crfsearch.New(cfg.CRFSearch, machine, runner, b, logger),
		Encode:   encoder,
	}, sizer, logger)
	scan := scanner.New(cfg, st, func() { pipe.NotifyAvailable(store.StageAnalysis) }, logger)

	d, err := daemon.New(cfg, st, pipe, scan, logger,
		daemon.Task{Name: "metacache", Run: cache.Run},
		daemon.Task{Name: "upstream-sync", Run: encoder.RunSync},
		daemon.Task{Name: "notifications", Run: func(ctx context.Context) error {
			return notifications.Relay(ctx, b, notifier, st, logger)
		}},
	)
	if err != nil {
		_ = closeBus()
		_ = st.Close()
		return nil, nil, err
	}
	cleanup := func() {
		d.Stop()
		if err := closeBus(); err != nil {
			logger.Debug("bus close failed", logging.Error(err))
		}
		if err := st.Close(); err != nil {
			logger.Debug("store close failed", logging.Error(err))
		}
	}
	return d, cleanup, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("ab_av1_available", binaryAvailable(cfg.Tools.AbAv1)),
		logging.String("ab_av1_binary", cfg.Tools.AbAv1),
		logging.Bool("ffmpeg_available", binaryAvailable(deps.NameFFmpeg)),
		logging.Bool("mediainfo_available", binaryAvailable(cfg.Tools.Mediainfo)),
		logging.String("mediainfo_binary", cfg.Tools.Mediainfo),
		logging.Bool("ffprobe_available", binaryAvailable(cfg.Tools.FFprobe)),
		logging.String("ffprobe_binary", cfg.Tools.FFprobe),
		logging.Bool("sonarr_enabled", cfg.Sonarr.Enabled),
		logging.Bool("radarr_enabled", cfg.Radarr.Enabled),
		logging.String("bus_backend", cfg.Bus.Backend),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
