package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reencoder/internal/bus"
	"reencoder/internal/config"
	"reencoder/internal/dispatch"
	"reencoder/internal/logging"
	"reencoder/internal/services"
	"reencoder/internal/state"
	"reencoder/internal/store"
)

// CodeWorkerFailed marks failures recorded at the worker boundary: a batch
// that timed out, panicked or returned an error.
const CodeWorkerFailed = "worker_failed"

// ErrUnknownStage reports a stage name that is not part of the pipeline.
var ErrUnknownStage = errors.New("unknown stage")

// BatchProcessor handles an analysis batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, videos []*store.Video) error
}

// Processor handles one video.
type Processor interface {
	Process(ctx context.Context, video *store.Video) error
}

// Sizer reports the analysis worker count and batch deadline.
type Sizer interface {
	Workers() int
	Timeout() time.Duration
}

// Stages are the processors behind each producer.
type Stages struct {
	Analysis BatchProcessor
	Search   Processor
	Encode   Processor
}

type producer = dispatch.Producer[*store.Video]

// Pipeline owns the stage producers.
type Pipeline struct {
	cfg       *config.Config
	machine   *state.Machine
	bus       bus.Bus
	stages    Stages
	sizer     Sizer
	logger    *slog.Logger
	producers map[store.Stage]*producer
}

// New builds the three producers, paused and without demand.
func New(cfg *config.Config, machine *state.Machine, b bus.Bus, stages Stages, sizer Sizer, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		machine:   machine,
		bus:       b,
		stages:    stages,
		sizer:     sizer,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		producers: make(map[store.Stage]*producer),
	}
	single := func() int { return 1 }
	p.producers[store.StageAnalysis] = p.newProducer(store.StageAnalysis, cfg.Analysis.Dispatch, sizer.Workers, sizer.Timeout)
	p.producers[store.StageCRFSearch] = p.newProducer(store.StageCRFSearch, singleBatch(cfg.CRFSearch.Dispatch), single, nil)
	p.producers[store.StageEncode] = p.newProducer(store.StageEncode, singleBatch(cfg.Encode.Dispatch), single, cfg.Encode.Timeout)
	return p
}

func singleBatch(d config.Dispatch) config.Dispatch {
	d.BatchSize = 1
	d.BatchWaitMS = 0
	return d
}

func (p *Pipeline) newProducer(s store.Stage, d config.Dispatch, workers func() int, timeout func() time.Duration) *producer {
	return dispatch.New(dispatch.Options[*store.Video]{
		Name: string(s),
		Select: func(ctx context.Context, limit int) ([]*store.Video, error) {
			return p.machine.Eligible(ctx, s, limit)
		},
		Key: func(v *store.Video) string { return v.Key() },
		Work: func(ctx context.Context, batch []*store.Video) error {
			msg, err := wrap(s, batch)
			if err != nil {
				return err
			}
			return p.handle(services.WithStage(ctx, string(s)), msg)
		},
		OnFailure: func(ctx context.Context, batch []*store.Video, err error) {
			p.onFailure(ctx, s, batch, err)
		},
		Workers:      workers,
		BatchSize:    d.BatchSize,
		BatchTimeout: d.BatchWait(),
		Rate:         rate.Limit(d.RatePerSecond),
		Burst:        d.Burst,
		Timeout:      timeout,
		Bus:          p.bus,
		Logger:       p.logger,
	})
}

// Run recovers interrupted videos, starts the producers, and routes wake-ups
// until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.machine.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	var sub bus.Subscriber
	if p.bus != nil {
		s, err := p.bus.Subscribe(ctx, bus.TopicVideoState)
		if err != nil {
			return fmt.Errorf("subscribe video_state: %w", err)
		}
		sub = s
		defer sub.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range store.Stages() {
		prod := p.producers[s]
		g.Go(func() error { return prod.Run(gctx) })
	}
	g.Go(func() error { return p.wake(gctx, sub) })

	if p.cfg.Workflow.AutoStart {
		for _, s := range store.Stages() {
			_ = p.Resume(s)
		}
	}
	return g.Wait()
}

func (p *Pipeline) wake(ctx context.Context, sub bus.Subscriber) error {
	interval := time.Duration(p.cfg.Workflow.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan bus.Message
	if sub != nil {
		events = sub.C()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range store.Stages() {
				prod := p.producers[s]
				prod.Request(p.capacity(s))
				prod.NotifyAvailable()
			}
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			event, err := bus.Decode[bus.VideoStateEvent](msg)
			if err != nil {
				p.logger.Debug("ignoring malformed video_state event", logging.Error(err))
				continue
			}
			if s, ok := stageFor(store.State(event.To)); ok {
				p.producers[s].NotifyAvailable()
			}
		}
	}
}

// capacity is the demand a stage can hold with its current worker count.
func (p *Pipeline) capacity(s store.Stage) int {
	if s == store.StageAnalysis {
		return max(1, p.sizer.Workers()) * max(1, p.cfg.Analysis.BatchSize)
	}
	return 1
}

func (p *Pipeline) producer(s store.Stage) (*producer, error) {
	prod, ok := p.producers[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return prod, nil
}

// Pause stops new dispatch for a stage.
func (p *Pipeline) Pause(s store.Stage) error {
	prod, err := p.producer(s)
	if err != nil {
		return err
	}
	prod.Pause()
	return nil
}

// Resume re-enables dispatch for a stage and tops up its demand.
func (p *Pipeline) Resume(s store.Stage) error {
	prod, err := p.producer(s)
	if err != nil {
		return err
	}
	prod.Request(p.capacity(s))
	prod.Resume()
	return nil
}

// NotifyAvailable wakes a stage.
func (p *Pipeline) NotifyAvailable(s store.Stage) {
	if prod, err := p.producer(s); err == nil {
		prod.NotifyAvailable()
	}
}

// Status returns a snapshot of every stage in pipeline order.
func (p *Pipeline) Status(ctx context.Context) ([]dispatch.Status, error) {
	out := make([]dispatch.Status, 0, len(p.producers))
	for _, s := range store.Stages() {
		st, err := p.producers[s].Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Enqueue puts a video at the head of the stage that consumes its current
// state.
func (p *Pipeline) Enqueue(ctx context.Context, id int64) (store.Stage, error) {
	video, err := p.machine.Store().GetVideo(ctx, id)
	if err != nil {
		return "", err
	}
	if video == nil {
		return "", services.Wrap(services.ErrNotFound, "", "enqueue", fmt.Sprintf("video %d not found", id), nil)
	}
	s, ok := stageFor(video.State)
	if !ok {
		return "", services.Wrap(services.ErrValidation, "", "enqueue", fmt.Sprintf("video %d is %s and not waiting for any stage", id, video.State), nil)
	}
	p.producers[s].EnqueueManual(video)
	p.logger.Info("video enqueued manually",
		logging.Int64(logging.FieldVideoID, id),
		logging.String(logging.FieldStage, string(s)),
	)
	return s, nil
}

// Requeue returns a failed or blocked video to analysis.
func (p *Pipeline) Requeue(ctx context.Context, id int64) (bool, error) {
	ok, err := p.machine.Requeue(ctx, id)
	if err == nil && ok {
		p.NotifyAvailable(store.StageAnalysis)
	}
	return ok, err
}

// onFailure fails the batch's videos that the stage still holds. Videos the
// processor already moved on are left alone.
func (p *Pipeline) onFailure(ctx context.Context, s store.Stage, batch []*store.Video, err error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.WithContext(services.WithStage(ctx, string(s)), p.logger)
	for _, video := range batch {
		current, gerr := p.machine.Store().GetVideo(ctx, video.ID)
		if gerr != nil || current == nil {
			continue
		}
		if !slices.Contains(inputStates[s], current.State) {
			continue
		}
		if _, ferr := p.machine.Fail(ctx, current, state.FailureInput{
			Stage: s,
			Err:   err,
			Code:  CodeWorkerFailed,
		}); ferr != nil {
			logging.WarnWithContext(logger, "failure not recorded", "fail_record_failed",
				logging.Int64(logging.FieldVideoID, video.ID),
				logging.Error(ferr),
				logging.String(logging.FieldErrorHint, "check database health"),
				logging.String(logging.FieldImpact, "video stays in its current state until the next restart"),
			)
		}
	}
}
