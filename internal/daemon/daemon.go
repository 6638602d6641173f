package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"reencoder/internal/config"
	"reencoder/internal/deps"
	"reencoder/internal/dispatch"
	"reencoder/internal/logging"
	"reencoder/internal/scanner"
	"reencoder/internal/stage"
	"reencoder/internal/store"
)

// Pipeline is the stage control surface the daemon drives.
type Pipeline interface {
	Run(ctx context.Context) error
	Pause(s store.Stage) error
	Resume(s store.Stage) error
	Status(ctx context.Context) ([]dispatch.Status, error)
	Enqueue(ctx context.Context, id int64) (store.Stage, error)
	Requeue(ctx context.Context, id int64) (bool, error)
}

// Scanner discovers library files.
type Scanner interface {
	Run(ctx context.Context) error
	Scan(ctx context.Context) (scanner.Result, error)
}

// Task is a named background loop started with the daemon.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	pipeline  Pipeline
	scanner   Scanner
	tasks     []Task
	api       *apiServer
	checkDeps func() []deps.Status

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	DatabasePath string
	LockFilePath string
	Stages       []dispatch.Status
	Counts       map[store.State]int
	Health       []stage.Health
	Dependencies []deps.Status
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, pipe Pipeline, scan Scanner, logger *slog.Logger, tasks ...Task) (*Daemon, error) {
	if cfg == nil || st == nil || pipe == nil || scan == nil {
		return nil, errors.New("daemon requires config, store, pipeline, and scanner")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "reencoderd.lock")
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     st,
		pipeline:  pipe,
		scanner:   scan,
		tasks:     tasks,
		checkDeps: func() []deps.Status { return deps.Check(cfg) },
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the pipeline, scanner and tasks,
// and starts the control API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another reencoder daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return named("pipeline", d.pipeline.Run(gctx)) })
	g.Go(func() error { return named("scanner", d.scanner.Run(gctx)) })
	for _, task := range d.tasks {
		g.Go(func() error { return named(task.Name, task.Run(gctx)) })
	}

	d.cancel = cancel
	d.done = make(chan struct{})
	d.err = nil
	done := d.done
	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("daemon runtime stopped", logging.Error(err), logging.String(logging.FieldEventType, "daemon_runtime_failed"))
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
		}
		close(done)
	}()

	d.running.Store(true)
	d.logger.Info("reencoder daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Done is closed once the runtime has stopped, either through Stop or
// because a component failed.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.done
}

// Err returns the error that stopped the runtime, if any.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running.Load() {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "the next start may report another instance"),
		)
	}
	d.running.Store(false)
	d.logger.Info("reencoder daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Address returns the control API listen address once started.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	stages, err := d.pipeline.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("stage status: %w", err)
	}
	counts, err := d.store.CountByState(ctx)
	if err != nil {
		return Status{}, err
	}
	dependencies := d.checkDeps()
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		Stages:       stages,
		Counts:       counts,
		Health:       stage.CheckAll(dependencies),
		Dependencies: dependencies,
	}, nil
}

// Scan walks the library once.
func (d *Daemon) Scan(ctx context.Context) (scanner.Result, error) {
	return d.scanner.Scan(ctx)
}

func named(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w", name, err)
}
