package crfsearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reencoder/internal/bus"
	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/metrics"
	"reencoder/internal/rules"
	"reencoder/internal/services"
	"reencoder/internal/services/abav1"
	"reencoder/internal/state"
	"reencoder/internal/store"
)

// Failure codes written for quality search.
const (
	CodeAttemptFailed     = "attempt_failed"
	CodeSizeExceeded      = "size_exceeded"
	CodeNoChosenCandidate = "no_chosen_candidate"
)

// Engine runs quality searches for one video at a time.
type Engine struct {
	cfg     config.CRFSearch
	machine *state.Machine
	store   *store.Store
	runner  abav1.Runner
	bus     bus.Bus
	logger  *slog.Logger
}

// New builds an Engine.
func New(cfg config.CRFSearch, machine *state.Machine, runner abav1.Runner, b bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		machine: machine,
		store:   machine.Store(),
		runner:  runner,
		bus:     b,
		logger:  logging.NewComponentLogger(logger, "crf_search"),
	}
}

type outcome int

const (
	outcomeChosen outcome = iota
	outcomeLostRace
	outcomeRetryable
	outcomeTerminal
)

type attemptResult struct {
	outcome outcome
	err     error
	code    string
	chosen  *store.Candidate
	command []string
	tail    []string
}

// Process searches video and leaves it crf_searched or failed. Videos that
// already have a chosen candidate, or are no longer analyzed, are skipped.
// Errors are returned only for store or cancellation problems.
func (e *Engine) Process(ctx context.Context, video *store.Video) error {
	if video == nil {
		return nil
	}
	current, err := e.store.GetVideo(ctx, video.ID)
	if err != nil {
		return err
	}
	ctx = services.WithStage(services.WithVideoID(ctx, video.ID), string(store.StageCRFSearch))
	logger := logging.WithContext(ctx, e.logger)
	if current == nil || current.HasChosen() || current.State != store.StateAnalyzed {
		status := "missing"
		if current != nil {
			status = string(current.State)
		}
		logger.Debug("quality search skipped", logging.String("state", status))
		return nil
	}
	ok, err := e.machine.Transition(ctx, current, store.StateCRFSearching)
	if err != nil || !ok {
		return err
	}

	run := uuid.NewString()
	attempt := Attempt{
		Step:   StepInitial,
		Target: Target(current.Bitrate, e.cfg.DefaultTarget),
		Range:  e.seasonRange(ctx, current, logger),
	}
	cascade := NewCascade(e.cfg)
	logger.Info("quality search started",
		logging.String("path", current.Path),
		logging.Float64("target", attempt.Target),
		logging.Float64("min_crf", attempt.Range.Min),
		logging.Float64("max_crf", attempt.Range.Max),
		logging.Bool("narrowed", attempt.Range.Narrowed),
	)

	for n := 1; ; n++ {
		started := time.Now()
		res, err := e.runAttempt(ctx, current, attempt, logger)
		if err != nil {
			return err
		}
		failure := state.FailureInput{
			Stage:     store.StageCRFSearch,
			Err:       res.err,
			Code:      res.code,
			Context:   attemptContext(n, attempt, res, time.Since(started)),
			Signature: store.Signature(current.ID, store.StageCRFSearch, run, strconv.Itoa(n), string(attempt.Step)),
		}
		switch res.outcome {
		case outcomeChosen:
			metrics.SearchAttemptsTotal.WithLabelValues(string(attempt.Step), "chosen").Inc()
			logger.Info("quality search chose candidate",
				logging.Int("attempt", n),
				logging.String("step", string(attempt.Step)),
				logging.Float64("crf", res.chosen.CRF),
				logging.Float64("vmaf", res.chosen.Score),
				logging.Int64("predicted_size", res.chosen.PredictedSize),
			)
			return nil
		case outcomeLostRace:
			metrics.SearchAttemptsTotal.WithLabelValues(string(attempt.Step), "lost_race").Inc()
			return nil
		case outcomeTerminal:
			metrics.SearchAttemptsTotal.WithLabelValues(string(attempt.Step), "terminal").Inc()
			_, err := e.machine.Fail(ctx, current, failure)
			return err
		}

		metrics.SearchAttemptsTotal.WithLabelValues(string(attempt.Step), "retryable").Inc()
		next, ok := cascade.Next(attempt)
		if !ok {
			_, err := e.machine.Fail(ctx, current, failure)
			return err
		}
		if _, err := e.machine.RecordFailure(ctx, current, failure); err != nil {
			return err
		}
		logging.WarnWithContext(logger, "quality search attempt failed; retrying", "crf_search_retry",
			logging.Int("attempt", n),
			logging.String("step", string(attempt.Step)),
			logging.String("next_step", string(next.Step)),
			logging.Int("budget_left", cascade.Remaining()),
			logging.Error(res.err),
			logging.String(logging.FieldErrorHint, "check ab-av1 output for the failing sample"),
			logging.String(logging.FieldImpact, "search continues with different parameters"),
		)
		if next.Step == StepPreset {
			removed, err := e.store.DeleteCandidatesWithoutPreset(ctx, current.ID, next.Preset)
			if err != nil {
				return err
			}
			logger.Debug("cleared candidates from other presets", logging.Int64("removed", removed))
		}
		attempt = next
	}
}

func (e *Engine) seasonRange(ctx context.Context, video *store.Video, logger *slog.Logger) Range {
	group, ok := video.SeasonGroup()
	if !ok {
		return DefaultRange(e.cfg)
	}
	crfs, err := e.store.SeasonCRFs(ctx, group, video.ID)
	if err != nil {
		logging.WarnWithContext(logger, "season history unavailable", "season_range_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database health"),
			logging.String(logging.FieldImpact, "search uses the full CRF range"),
		)
		return DefaultRange(e.cfg)
	}
	return SeasonRange(crfs, e.cfg)
}

func (e *Engine) runAttempt(ctx context.Context, video *store.Video, a Attempt, logger *slog.Logger) (attemptResult, error) {
	ruleArgs := rules.Build(video, rules.PurposeSearch)
	req := abav1.SearchRequest{
		Input:   video.Path,
		MinVMAF: a.Target,
		MinCRF:  a.Range.Min,
		MaxCRF:  a.Range.Max,
		Preset:  a.Preset,
		Extra:   ruleArgs,
	}
	actx := ctx
	if timeout := e.cfg.AttemptTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		storeErr    error
		chosen      *store.Candidate
		lost        bool
		oversize    *store.Candidate
		successSeen bool
		sampler     = logging.NewProgressSampler(5)
		tail        []string
	)
	onLine := func(line string) {
		tail = append(tail, line)
		if len(tail) > outputTailLines {
			tail = tail[1:]
		}
		if storeErr != nil || chosen != nil || lost {
			return
		}
		ev := abav1.ParseSearchLine(line)
		switch ev.Kind {
		case abav1.EventSample:
			e.sampleProgress(ctx, video, ev, sampler, logger)
		case abav1.EventCandidate:
			c, err := e.store.UpsertCandidate(ctx, store.Candidate{
				VideoID:       video.ID,
				CRF:           ev.CRF,
				Score:         ev.VMAF,
				PredictedSize: ev.PredictedSize,
				Percent:       ev.Percent,
				TimeEstimate:  ev.TimeEstimate,
				Args:          ruleArgs,
				Preset:        a.Preset,
				Target:        a.Target,
			})
			if err != nil {
				storeErr = err
				return
			}
			bus.Emit(ctx, e.bus, bus.TopicCandidate, bus.CandidateEvent{
				VideoID:       video.ID,
				CRF:           c.CRF,
				Score:         c.Score,
				PredictedSize: c.PredictedSize,
			}, logger)
		case abav1.EventSuccess:
			successSeen = true
			chosen, oversize, lost, storeErr = e.choose(ctx, video, a, ev.CRF, ruleArgs)
		case abav1.EventWarning:
			metrics.ToolWarningsTotal.WithLabelValues(string(store.StageCRFSearch)).Inc()
			logging.WarnWithContext(logger, "ab-av1 reported a problem", "tool_warning",
				logging.String("line", ev.Line),
				logging.String(logging.FieldErrorHint, "the exit status decides whether the attempt failed"),
				logging.String(logging.FieldImpact, "none unless the search exits non-zero"),
			)
		}
	}

	logger.Debug("launching crf-search", logging.String("step", string(a.Step)), logging.Strings("args", req.Args()))
	runErr := e.runner.Run(actx, req.Args(), onLine)
	command, outTail, ok := abav1.Details(runErr)
	if !ok {
		command, outTail = req.Args(), tail
	}

	if storeErr != nil {
		return attemptResult{}, storeErr
	}
	switch {
	case chosen != nil:
		if runErr != nil {
			logger.Debug("crf-search exited with error after choosing", logging.Error(runErr))
		}
		return attemptResult{outcome: outcomeChosen, chosen: chosen}, nil
	case lost:
		return attemptResult{outcome: outcomeLostRace}, nil
	}
	if err := ctx.Err(); err != nil {
		return attemptResult{}, err
	}
	switch {
	case oversize != nil:
		err := services.Wrap(services.ErrToolOutput, string(store.StageCRFSearch), "size cap",
			fmt.Sprintf("crf %.2f predicts %d bytes, cap is %d", oversize.CRF, oversize.PredictedSize, e.cfg.MaxPredictedSizeBytes()), nil)
		return attemptResult{outcome: outcomeTerminal, err: err, code: CodeSizeExceeded, command: command, tail: outTail}, nil
	case runErr != nil:
		if errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(runErr, services.ErrTimeout) {
			runErr = services.Wrap(services.ErrTimeout, string(store.StageCRFSearch), "attempt", "attempt timed out", runErr)
		}
		if services.Retryable(runErr) {
			return attemptResult{outcome: outcomeRetryable, err: runErr, code: CodeAttemptFailed, command: command, tail: outTail}, nil
		}
		return attemptResult{outcome: outcomeTerminal, err: runErr, code: CodeAttemptFailed, command: command, tail: outTail}, nil
	case !successSeen:
		err := services.Wrap(services.ErrToolOutput, string(store.StageCRFSearch), "parse", "crf-search exited without a successful candidate", nil)
		return attemptResult{outcome: outcomeTerminal, err: err, code: CodeNoChosenCandidate, command: command, tail: outTail}, nil
	}
	return attemptResult{outcome: outcomeLostRace}, nil
}

// choose applies a success line: the matching candidate is checked against
// the size cap and marked chosen.
func (e *Engine) choose(ctx context.Context, video *store.Video, a Attempt, crf float64, ruleArgs []string) (chosen, oversize *store.Candidate, lost bool, err error) {
	existing, err := e.store.CandidateByCRF(ctx, video.ID, crf)
	if err != nil {
		return nil, nil, false, err
	}
	candidate := store.Candidate{VideoID: video.ID, CRF: crf, Args: ruleArgs, Preset: a.Preset, Target: a.Target}
	if existing != nil {
		candidate = *existing
	}
	if limit := e.cfg.MaxPredictedSizeBytes(); limit > 0 && candidate.PredictedSize > limit {
		return nil, &candidate, false, nil
	}
	c, ok, err := e.machine.ChooseCandidate(ctx, video, candidate)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, true, nil
	}
	return c, nil, false, nil
}

func (e *Engine) sampleProgress(ctx context.Context, video *store.Video, ev abav1.SearchEvent, sampler *logging.ProgressSampler, logger *slog.Logger) {
	if ev.Samples <= 0 {
		return
	}
	percent := float64(ev.Sample) / float64(ev.Samples) * 100
	message := fmt.Sprintf("sample %d/%d", ev.Sample, ev.Samples)
	bus.Emit(ctx, e.bus, bus.TopicProgress, bus.Progress{
		VideoID: video.ID,
		Stage:   string(store.StageCRFSearch),
		Percent: percent,
		Message: message,
	}, logger)
	if sampler.ShouldLog(percent, "") {
		logger.Info("quality search progress", logging.Float64("progress_percent", percent), logging.String("progress_message", message))
	}
}

const outputTailLines = 5

func attemptContext(n int, a Attempt, res attemptResult, elapsed time.Duration) map[string]any {
	ctx := map[string]any{
		"attempt": n,
		"step":    string(a.Step),
		"target":  a.Target,
		"min_crf": a.Range.Min,
		"max_crf": a.Range.Max,
		"elapsed": elapsed.Round(time.Second).String(),
	}
	if len(res.command) > 0 {
		ctx["command"] = strings.Join(res.command, " ")
	}
	if len(res.tail) > 0 {
		ctx["output_tail"] = res.tail
	}
	if a.Preset != "" {
		ctx["preset"] = a.Preset
	}
	return ctx
}
