package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reencoder/internal/bus"
	"reencoder/internal/logging"
	"reencoder/internal/metrics"
	"reencoder/internal/services"
)

// ErrStopped is returned by calls made after Run has exited.
var ErrStopped = errors.New("producer stopped")

// Options configures a Producer.
type Options[T any] struct {
	// Name labels logs, metrics and stage_status events.
	Name string
	// Select returns up to limit eligible items, oldest first.
	Select func(ctx context.Context, limit int) ([]T, error)
	// Key identifies an item for in-flight deduplication.
	Key func(T) string
	// Work processes one batch.
	Work func(ctx context.Context, batch []T) error
	// OnFailure is called when Work errors, times out or panics.
	OnFailure func(ctx context.Context, batch []T, err error)
	// Workers returns the current worker ceiling. Nil means 1.
	Workers func() int
	// BatchSize and BatchTimeout control the batcher. Size 1 flushes immediately.
	BatchSize    int
	BatchTimeout time.Duration
	// Rate and Burst configure the token bucket. Zero rate disables limiting.
	Rate  rate.Limit
	Burst int
	// Timeout returns the per-batch deadline. Nil or zero means none.
	Timeout func() time.Duration
	// MaxDemand caps demand plus in-flight items. Zero means Workers()*BatchSize.
	MaxDemand int
	Bus       bus.Bus
	Logger    *slog.Logger
}

// Status is a snapshot of a producer's demand state.
type Status struct {
	Name     string `json:"name"`
	Paused   bool   `json:"paused"`
	Demand   int    `json:"demand"`
	InFlight int    `json:"in_flight"`
	Manual   int    `json:"manual"`
	Workers  int    `json:"workers"`
	Active   int    `json:"active"`
}

type completion[T any] struct {
	batch []T
}

// Producer pulls eligible work and feeds it to workers.
type Producer[T any] struct {
	opts    Options[T]
	logger  *slog.Logger
	limiter *rate.Limiter

	cmds    chan func()
	notify  chan struct{}
	items   chan T
	batches chan []T
	done    chan completion[T]
	stopped chan struct{}
	running atomic.Bool

	paused atomic.Bool
	active atomic.Int64
	freed  chan struct{}

	// Owned by the mailbox goroutine.
	ctx      context.Context
	demand   int
	manual   []T
	inFlight map[string]struct{}
}

// New builds a paused producer with zero demand.
func New[T any](opts Options[T]) *Producer[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers == nil {
		opts.Workers = func() int { return 1 }
	}
	if opts.Key == nil {
		opts.Key = func(item T) string { return fmt.Sprint(item) }
	}
	limit := opts.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	p := &Producer[T]{
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "dispatch").With(logging.String(logging.FieldStage, opts.Name)),
		limiter:  rate.NewLimiter(limit, burst),
		cmds:     make(chan func(), 64),
		notify:   make(chan struct{}, 1),
		items:    make(chan T),
		batches:  make(chan []T),
		done:     make(chan completion[T]),
		stopped:  make(chan struct{}),
		freed:    make(chan struct{}, 1),
		inFlight: make(map[string]struct{}),
	}
	p.paused.Store(true)
	metrics.Paused.WithLabelValues(opts.Name).Set(1)
	return p
}

// Name returns the stage name.
func (p *Producer[T]) Name() string {
	return p.opts.Name
}

// Paused reports the pause flag without going through the mailbox.
func (p *Producer[T]) Paused() bool {
	return p.paused.Load()
}

// Request adds n units of demand.
func (p *Producer[T]) Request(n int) {
	if n <= 0 {
		return
	}
	p.send(func() {
		p.addDemand(n)
		p.dispatch()
	})
}

// Pause stops new dispatch. In-flight work keeps running.
func (p *Producer[T]) Pause() {
	p.send(func() {
		if p.paused.Swap(true) {
			return
		}
		metrics.Paused.WithLabelValues(p.opts.Name).Set(1)
		p.logger.Info("stage paused", logging.String(logging.FieldEventType, "stage_paused"))
		p.emitStatus()
	})
}

// Resume re-enables dispatch and dispatches any outstanding demand.
func (p *Producer[T]) Resume() {
	p.send(func() {
		if !p.paused.Swap(false) {
			return
		}
		metrics.Paused.WithLabelValues(p.opts.Name).Set(0)
		p.logger.Info("stage resumed", logging.String(logging.FieldEventType, "stage_resumed"))
		p.emitStatus()
		p.dispatch()
	})
}

// EnqueueManual queues item ahead of store-backed selection. Manual items
// are served first-in first-out; an item already queued or in flight is
// ignored.
func (p *Producer[T]) EnqueueManual(item T) {
	p.send(func() {
		key := p.opts.Key(item)
		if _, busy := p.inFlight[key]; busy {
			return
		}
		for _, queued := range p.manual {
			if p.opts.Key(queued) == key {
				return
			}
		}
		p.manual = append(p.manual, item)
		p.dispatch()
	})
}

// NotifyAvailable signals that new work may be eligible. Bursts coalesce
// into a single pending dispatch.
func (p *Producer[T]) NotifyAvailable() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Status returns a snapshot taken by the mailbox goroutine.
func (p *Producer[T]) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !p.send(func() { reply <- p.snapshot() }) {
		return Status{}, ErrStopped
	}
	if !p.running.Load() {
		// Not started yet: the queued command runs once Run begins.
		return Status{
			Name:    p.opts.Name,
			Paused:  p.paused.Load(),
			Workers: p.opts.Workers(),
		}, nil
	}
	select {
	case s := <-reply:
		return s, nil
	case <-p.stopped:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run drives the producer until ctx is cancelled. It returns after every
// worker has exited.
func (p *Producer[T]) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("producer already running")
	}
	defer close(p.stopped)

	var workers sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.own(gctx) })
	g.Go(func() error { return p.batch(gctx) })
	g.Go(func() error { return p.runWorkers(gctx, &workers) })
	err := g.Wait()
	workers.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Producer[T]) send(cmd func()) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	select {
	case p.cmds <- cmd:
		return true
	case <-p.stopped:
		return false
	}
}

// own is the mailbox goroutine: the only code touching demand, manual and
// inFlight.
func (p *Producer[T]) own(ctx context.Context) error {
	p.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-p.cmds:
			cmd()
		case <-p.notify:
			p.dispatch()
		case c := <-p.done:
			p.complete(c)
			p.dispatch()
		}
	}
}

func (p *Producer[T]) maxDemand() int {
	if p.opts.MaxDemand > 0 {
		return p.opts.MaxDemand
	}
	return max(1, p.opts.Workers()) * p.opts.BatchSize
}

func (p *Producer[T]) addDemand(n int) {
	ceiling := p.maxDemand() - len(p.inFlight)
	p.demand = max(0, min(p.demand+n, ceiling))
	metrics.Demand.WithLabelValues(p.opts.Name).Set(float64(p.demand))
}

func (p *Producer[T]) dispatch() {
	if p.paused.Load() || p.demand <= 0 {
		return
	}
	ctx := p.ctx

	for p.demand > 0 && len(p.manual) > 0 {
		item := p.manual[0]
		p.manual = p.manual[1:]
		if _, busy := p.inFlight[p.opts.Key(item)]; busy {
			continue
		}
		p.handOff(ctx, item, "manual")
	}

	if p.demand > 0 && p.opts.Select != nil {
		candidates, err := p.opts.Select(ctx, p.demand+len(p.inFlight))
		if err != nil {
			logging.WarnWithContext(p.logger, "eligibility query failed", "dispatch_select_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database health"),
				logging.String(logging.FieldImpact, "stage waits for the next notification"),
			)
		}
		for _, item := range candidates {
			if p.demand <= 0 {
				break
			}
			if _, busy := p.inFlight[p.opts.Key(item)]; busy {
				continue
			}
			p.handOff(ctx, item, "selected")
		}
	}
	metrics.Demand.WithLabelValues(p.opts.Name).Set(float64(p.demand))
	metrics.InFlight.WithLabelValues(p.opts.Name).Set(float64(len(p.inFlight)))
}

func (p *Producer[T]) handOff(ctx context.Context, item T, source string) {
	select {
	case p.items <- item:
	case <-ctx.Done():
		return
	}
	p.inFlight[p.opts.Key(item)] = struct{}{}
	p.demand--
	metrics.DispatchedTotal.WithLabelValues(p.opts.Name, source).Inc()
}

func (p *Producer[T]) complete(c completion[T]) {
	for _, item := range c.batch {
		delete(p.inFlight, p.opts.Key(item))
	}
	p.addDemand(len(c.batch))
	metrics.InFlight.WithLabelValues(p.opts.Name).Set(float64(len(p.inFlight)))
}

func (p *Producer[T]) snapshot() Status {
	return Status{
		Name:     p.opts.Name,
		Paused:   p.paused.Load(),
		Demand:   p.demand,
		InFlight: len(p.inFlight),
		Manual:   len(p.manual),
		Workers:  p.opts.Workers(),
		Active:   int(p.active.Load()),
	}
}

func (p *Producer[T]) emitStatus() {
	s := p.snapshot()
	bus.Emit(context.Background(), p.opts.Bus, bus.TopicStageStatus, bus.StageStatus{
		Stage:    s.Name,
		Paused:   s.Paused,
		Demand:   s.Demand,
		InFlight: s.InFlight,
		Manual:   s.Manual,
	}, p.logger)
}

// batch groups items until BatchSize is reached or BatchTimeout passes
// since the first buffered item. It always accepts items so the mailbox
// never blocks on it.
func (p *Producer[T]) batch(ctx context.Context) error {
	var (
		buf   []T
		ready [][]T
		timer *time.Timer
		fire  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			fire = nil
		}
	}
	defer stopTimer()

	for {
		var (
			out  chan []T
			next []T
		)
		if len(ready) > 0 {
			out = p.batches
			next = ready[0]
		}
		select {
		case <-ctx.Done():
			return nil
		case item := <-p.items:
			buf = append(buf, item)
			if len(buf) >= p.opts.BatchSize || p.opts.BatchTimeout <= 0 {
				ready = append(ready, buf)
				buf = nil
				stopTimer()
			} else if timer == nil {
				timer = time.NewTimer(p.opts.BatchTimeout)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			if len(buf) > 0 {
				ready = append(ready, buf)
				buf = nil
			}
		case out <- next:
			ready = ready[1:]
		}
	}
}

// runWorkers starts one goroutine per batch while fewer than Workers() are
// active.
func (p *Producer[T]) runWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	for {
		for p.active.Load() >= int64(max(1, p.opts.Workers())) {
			select {
			case <-p.freed:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case b := <-p.batches:
			p.active.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.work(ctx, b)
			}()
		}
	}
}

func (p *Producer[T]) work(ctx context.Context, b []T) {
	defer func() {
		p.active.Add(-1)
		select {
		case p.freed <- struct{}{}:
		default:
		}
		select {
		case p.done <- completion[T]{batch: b}:
		case <-ctx.Done():
		}
	}()

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	start := time.Now()
	err := p.execute(ctx, b)
	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutdown: the video is recovered on the next start.
		outcome = "cancelled"
	default:
		outcome = "error"
		if errors.Is(err, services.ErrTimeout) {
			outcome = "timeout"
		} else if errors.Is(err, errPanic) {
			outcome = "panic"
		}
		logging.WarnWithContext(p.logger, "stage batch failed", "batch_failed",
			logging.Int("items", len(b)),
			logging.Duration("elapsed", time.Since(start)),
			logging.String("outcome", outcome),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "see failure records for the affected videos"),
			logging.String(logging.FieldImpact, "affected videos marked failed"),
		)
		if p.opts.OnFailure != nil {
			p.opts.OnFailure(ctx, b, err)
		}
	}
	metrics.BatchOutcomeTotal.WithLabelValues(p.opts.Name, outcome).Inc()
}

var errPanic = errors.New("worker panic")

func (p *Producer[T]) execute(ctx context.Context, b []T) (err error) {
	wctx := ctx
	var timeout time.Duration
	if p.opts.Timeout != nil {
		timeout = p.opts.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	if p.opts.Work == nil {
		return nil
	}
	err = p.opts.Work(wctx, b)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
		err = services.Wrap(services.ErrTimeout, p.opts.Name, "worker", fmt.Sprintf("timed out after %s", timeout), err)
	}
	return err
}
