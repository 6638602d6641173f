package analysis

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"reencoder/internal/logging"
	"reencoder/internal/metacache"
	"reencoder/internal/services"
	"reencoder/internal/state"
	"reencoder/internal/store"
)

// CodeInspectFailed marks a failed mediainfo run.
const CodeInspectFailed = "inspect_failed"

// Refresher asks the owning media service to rescan a video's location.
type Refresher interface {
	Refresh(ctx context.Context, video *store.Video) error
}

// Analyzer processes analysis batches.
type Analyzer struct {
	cache     *metacache.Cache
	machine   *state.Machine
	refresher Refresher
	logger    *slog.Logger
	stat      func(string) (os.FileInfo, error)
}

// New builds an Analyzer. refresher may be nil.
func New(cache *metacache.Cache, machine *state.Machine, refresher Refresher, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cache:     cache,
		machine:   machine,
		refresher: refresher,
		logger:    logging.NewComponentLogger(logger, "analysis"),
		stat:      os.Stat,
	}
}

// ProcessBatch inspects videos with one bulk metadata call and applies the
// outcome to each. Per-video problems are recorded on the video; an error is
// returned only when the batch as a whole cannot continue.
func (a *Analyzer) ProcessBatch(ctx context.Context, videos []*store.Video) error {
	ctx = services.WithStage(ctx, string(store.StageAnalysis))
	present := make([]*store.Video, 0, len(videos))
	for _, video := range videos {
		if video == nil {
			continue
		}
		info, err := a.stat(video.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := a.remove(ctx, video, "file missing"); err != nil {
				return err
			}
		case err == nil && info.Size() == 0:
			if err := a.remove(ctx, video, "file empty"); err != nil {
				return err
			}
		default:
			present = append(present, video)
		}
	}
	if len(present) == 0 {
		return nil
	}

	paths := make([]string, len(present))
	for i, video := range present {
		paths[i] = video.Path
	}
	results := a.cache.GetBulk(ctx, paths)
	for _, video := range present {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := results[video.Path]
		if errors.Is(res.Err, metacache.ErrBatchFailed) {
			res.Info, res.Err = a.cache.Get(ctx, video.Path)
		}
		if err := a.apply(ctx, video, res); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) apply(ctx context.Context, video *store.Video, res metacache.Result) error {
	vctx := services.WithVideoID(ctx, video.ID)
	logger := logging.WithContext(vctx, a.logger)

	if res.Err != nil {
		if errors.Is(res.Err, fs.ErrNotExist) {
			return a.remove(ctx, video, "file missing")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := a.machine.Fail(vctx, video, state.FailureInput{
			Stage: store.StageAnalysis,
			Err:   res.Err,
			Code:  CodeInspectFailed,
		})
		return err
	}

	if err := Validate(res.Info); err != nil {
		logging.WarnWithContext(logger, "metadata failed validation", "analysis_invalid",
			logging.String("path", video.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the file plays; requeue after fixing it"),
			logging.String(logging.FieldImpact, "video skipped until requeued"),
		)
		_, err := a.machine.RecordFailure(vctx, video, state.FailureInput{
			Stage: store.StageAnalysis,
			Err:   err,
			Code:  CodeInvalidMetadata,
			Context: map[string]any{
				"bitrate":     res.Info.Bitrate,
				"width":       res.Info.Width,
				"height":      res.Info.Height,
				"duration":    res.Info.Duration,
				"audio_count": res.Info.AudioCount,
			},
		})
		return err
	}

	meta := Derive(res.Info, video.Path)
	ok, err := a.machine.CompleteAnalysis(vctx, video, meta)
	if err != nil {
		return err
	}
	if ok {
		logger.Info("analysis complete",
			logging.String("path", video.Path),
			logging.String("resolution", meta.Resolution),
			logging.Int64("bitrate", meta.Bitrate),
			logging.String("hdr", meta.HDR),
			logging.String("series", meta.SeriesKey),
			logging.Int("season", meta.Season),
		)
	}
	return nil
}

// remove drops a video whose file is gone and asks upstream to rescan.
func (a *Analyzer) remove(ctx context.Context, video *store.Video, reason string) error {
	vctx := services.WithVideoID(ctx, video.ID)
	logger := logging.WithContext(vctx, a.logger)
	a.cache.Invalidate(video.Path)
	ok, err := a.machine.Delete(vctx, video)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	logging.WarnWithContext(logger, "dropping video with unusable source", "source_missing",
		logging.String("path", video.Path),
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "the media service is asked to rescan"),
		logging.String(logging.FieldImpact, "video dropped from the pipeline"),
	)
	if a.refresher == nil {
		return nil
	}
	if err := a.refresher.Refresh(vctx, video); err != nil {
		logging.WarnWithContext(logger, "upstream refresh failed", "upstream_refresh_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check Sonarr/Radarr connectivity"),
			logging.String(logging.FieldImpact, "library may list a missing file until the next scan"),
		)
	}
	return nil
}
