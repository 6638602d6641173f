package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reencoder/internal/bus"
	"reencoder/internal/config"
	"reencoder/internal/fileutil"
	"reencoder/internal/logging"
	"reencoder/internal/media/ffprobe"
	"reencoder/internal/metrics"
	"reencoder/internal/notifications"
	"reencoder/internal/rules"
	"reencoder/internal/services"
	"reencoder/internal/services/abav1"
	"reencoder/internal/state"
	"reencoder/internal/store"
)

// Failure codes written by the encode stage.
const (
	CodeMissingCandidate = "missing_candidate"
	CodeEncodeFailed     = "encode_failed"
	CodeVerifyFailed     = "verify_failed"
	CodeTransferFailed   = "transfer_failed"
)

var verifyOutput = ffprobe.Verify

const syncQueueSize = 32

// Syncer tells the owning media service about a replaced file.
type Syncer interface {
	Sync(ctx context.Context, video *store.Video) error
}

// Encoder encodes one video at a time.
type Encoder struct {
	cfg      config.Encode
	ffprobe  string
	workDir  string
	machine  *state.Machine
	store    *store.Store
	runner   abav1.Runner
	syncer   Syncer
	notifier notifications.Service
	bus      bus.Bus
	logger   *slog.Logger
	syncs    chan store.Video
}

// New builds an Encoder. syncer and notifier may be nil.
func New(cfg *config.Config, machine *state.Machine, runner abav1.Runner, syncer Syncer, notifier notifications.Service, b bus.Bus, logger *slog.Logger) *Encoder {
	return &Encoder{
		cfg:      cfg.Encode,
		ffprobe:  cfg.Tools.FFprobe,
		workDir:  cfg.Paths.WorkDir,
		machine:  machine,
		store:    machine.Store(),
		runner:   runner,
		syncer:   syncer,
		notifier: notifier,
		bus:      b,
		logger:   logging.NewComponentLogger(logger, "encode"),
		syncs:    make(chan store.Video, syncQueueSize),
	}
}

// Process encodes video and leaves it encoded or failed. Videos that are no
// longer crf_searched are skipped. Errors are returned only for store or
// cancellation problems; a cancelled encode leaves the video in encoding
// for startup recovery.
func (e *Encoder) Process(ctx context.Context, video *store.Video) error {
	if video == nil {
		return nil
	}
	current, err := e.store.GetVideo(ctx, video.ID)
	if err != nil {
		return err
	}
	ctx = services.WithStage(services.WithVideoID(ctx, video.ID), string(store.StageEncode))
	logger := logging.WithContext(ctx, e.logger)
	if current == nil || current.State != store.StateCRFSearched {
		status := "missing"
		if current != nil {
			status = string(current.State)
		}
		logger.Debug("encode skipped", logging.String("state", status))
		return nil
	}

	candidate, err := e.store.GetCandidate(ctx, current.ChosenCandidateID)
	if err != nil {
		return err
	}
	if candidate == nil {
		_, err := e.machine.Fail(ctx, current, state.FailureInput{
			Stage: store.StageEncode,
			Err:   services.Wrap(services.ErrValidation, string(store.StageEncode), "load candidate", "chosen candidate is missing", nil),
			Code:  CodeMissingCandidate,
		})
		return err
	}
	ok, err := e.machine.Transition(ctx, current, store.StateEncoding)
	if err != nil || !ok {
		return err
	}

	started := time.Now()
	sourceSize := current.Size
	temp := e.tempPath(current)
	if err := os.MkdirAll(filepath.Dir(temp), 0o755); err != nil {
		return e.fail(ctx, current, CodeTransferFailed,
			services.Wrap(services.ErrTransfer, string(store.StageEncode), "prepare", "create work directory", err))
	}
	defer func() {
		_ = os.Remove(temp)
	}()

	req := abav1.EncodeRequest{
		Input:  current.Path,
		Output: temp,
		CRF:    candidate.CRF,
		Preset: candidate.Preset,
		Extra:  rules.Build(current, rules.PurposeEncode),
	}
	logger.Info("encode started",
		logging.String("path", current.Path),
		logging.Float64("crf", candidate.CRF),
		logging.String("preset", candidate.Preset),
		logging.Strings("args", req.Args()),
	)
	if err := e.run(ctx, current, req, logger); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, current, CodeEncodeFailed, err, req.Args()...)
	}

	if e.cfg.VerifyOutput {
		if _, err := verifyOutput(ctx, e.ffprobe, temp, current.Duration); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fail(ctx, current, CodeVerifyFailed, err)
		}
	}
	size, err := fileutil.FileSize(temp)
	if err != nil {
		return e.fail(ctx, current, CodeVerifyFailed,
			services.Wrap(services.ErrToolOutput, string(store.StageEncode), "stat output", "encode produced no output", err))
	}

	source := current.Path
	dest := DestinationPath(source)
	if err := fileutil.MoveFile(temp, dest); err != nil {
		return e.fail(ctx, current, CodeTransferFailed,
			services.Wrap(services.ErrTransfer, string(store.StageEncode), "move output", dest, err))
	}
	if dest != source {
		if err := os.Remove(source); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(logger, "source not removed after encode", "source_cleanup_failed",
				logging.String("path", source),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the original file manually"),
				logging.String(logging.FieldImpact, "both original and encoded files remain on disk"),
			)
		}
	}

	ok, err = e.machine.CompleteEncode(ctx, current, dest, size)
	if err != nil || !ok {
		return err
	}
	if saved := sourceSize - size; saved > 0 {
		metrics.EncodedBytesSavedTotal.Add(float64(saved))
	}
	elapsed := time.Since(started)
	logger.Info("encode completed",
		logging.String("path", dest),
		logging.Int64("source_size", sourceSize),
		logging.Int64("output_size", size),
		logging.Duration("elapsed", elapsed),
		logging.String(logging.FieldEventType, "encode_completed"),
	)
	bus.Emit(ctx, e.bus, bus.TopicProgress, bus.Progress{
		VideoID: current.ID,
		Stage:   string(store.StageEncode),
		Percent: 100,
		Message: "encoded",
	}, logger)

	if e.syncer != nil {
		select {
		case e.syncs <- *current:
		default:
			logging.WarnWithContext(logger, "upstream refresh queue full", "upstream_sync_dropped",
				logging.Alert("upstream_sync_dropped"),
				logging.Int("queue_size", syncQueueSize),
				logging.String(logging.FieldErrorHint, "check sonarr/radarr responsiveness"),
				logging.String(logging.FieldImpact, "library manager shows the old file until its next rescan"),
			)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyEncoded(ctx, notifications.EncodedNotice{
			VideoID:    current.ID,
			Path:       dest,
			CRF:        candidate.CRF,
			SourceSize: sourceSize,
			OutputSize: size,
			Duration:   elapsed,
		}); err != nil {
			logger.Debug("encode notification failed", logging.Error(err))
		}
	}
	return nil
}

// RunSync tells the owning media service about encoded files queued by
// Process. Upstream command polling happens here, off the encode worker.
func (e *Encoder) RunSync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case video := <-e.syncs:
			if e.syncer == nil {
				continue
			}
			vctx := services.WithStage(services.WithVideoID(ctx, video.ID), string(store.StageEncode))
			if err := e.syncer.Sync(vctx, &video); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logging.WarnWithContext(logging.WithContext(vctx, e.logger), "upstream refresh failed", "upstream_sync_failed",
					logging.String("path", video.Path),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check sonarr/radarr url and api key"),
					logging.String(logging.FieldImpact, "library manager shows the old file until its next rescan"),
				)
			}
		}
	}
}

func (e *Encoder) run(ctx context.Context, video *store.Video, req abav1.EncodeRequest, logger *slog.Logger) error {
	rctx := ctx
	if timeout := e.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sampler := logging.NewProgressSampler(5)
	err := e.runner.Run(rctx, req.Args(), func(line string) {
		p, ok := abav1.ParseEncodeLine(line)
		if !ok {
			return
		}
		message := ""
		if p.FPS > 0 {
			message = fmt.Sprintf("%.0f fps", p.FPS)
		}
		bus.Emit(ctx, e.bus, bus.TopicProgress, bus.Progress{
			VideoID: video.ID,
			Stage:   string(store.StageEncode),
			Percent: p.Percent,
			Message: message,
			ETA:     p.ETA,
		}, logger)
		if sampler.ShouldLog(p.Percent, "") {
			logger.Info("encode progress",
				logging.Float64("progress_percent", p.Percent),
				logging.Float64("fps", p.FPS),
				logging.String("progress_eta", p.ETA),
			)
		}
	})
	if err != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
		err = services.Wrap(services.ErrTimeout, string(store.StageEncode), "encode", "encode timed out", err)
	}
	return err
}

// fail records err against video. args is the ab-av1 command line when the
// failure came from the tool; a RunError carrying its own command wins.
func (e *Encoder) fail(ctx context.Context, video *store.Video, code string, err error, args ...string) error {
	details := map[string]any{"path": video.Path}
	command, tail, ok := abav1.Details(err)
	if !ok {
		command = args
	}
	if len(command) > 0 {
		details["command"] = strings.Join(command, " ")
	}
	if len(tail) > 0 {
		details["output_tail"] = tail
	}
	_, ferr := e.machine.Fail(ctx, video, state.FailureInput{
		Stage:   store.StageEncode,
		Err:     err,
		Code:    code,
		Context: details,
	})
	return ferr
}

func (e *Encoder) tempPath(video *store.Video) string {
	return filepath.Join(e.workDir, fmt.Sprintf("%d-%s.mkv", video.ID, stem(video.Path)))
}

// DestinationPath returns where the encoded replacement of source lives:
// the same directory and stem with a .mkv extension.
func DestinationPath(source string) string {
	return filepath.Join(filepath.Dir(source), stem(source)+".mkv")
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
