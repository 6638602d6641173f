package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"reencoder/internal/bus"
	"reencoder/internal/logging"
	"reencoder/internal/metrics"
	"reencoder/internal/services"
	"reencoder/internal/store"
)

// ErrIllegalTransition reports a transition the lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var legal = map[store.State][]store.State{
	store.StateNeedsAnalysis: {store.StateAnalyzed, store.StateFailed},
	store.StateAnalyzed:      {store.StateCRFSearching, store.StateFailed},
	store.StateCRFSearching:  {store.StateCRFSearched, store.StateFailed},
	store.StateCRFSearched:   {store.StateEncoding, store.StateFailed},
	store.StateEncoding:      {store.StateEncoded, store.StateFailed},
	store.StateFailed:        {store.StateNeedsAnalysis},
}

// Legal reports whether the lifecycle allows moving from one state to another.
func Legal(from, to store.State) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine applies guarded transitions through the store and announces them
// on the bus.
type Machine struct {
	store  *store.Store
	bus    bus.Bus
	logger *slog.Logger
}

// New constructs a state machine. A nil bus disables events.
func New(st *store.Store, b bus.Bus, logger *slog.Logger) *Machine {
	return &Machine{
		store:  st,
		bus:    b,
		logger: logging.NewComponentLogger(logger, "state"),
	}
}

// Store exposes the backing store for read paths.
func (m *Machine) Store() *store.Store {
	return m.store
}

// Eligible returns up to limit videos ready for stage, oldest-updated first.
func (m *Machine) Eligible(ctx context.Context, stage store.Stage, limit int) ([]*store.Video, error) {
	return m.store.EligibleVideos(ctx, stage, limit)
}

// Transition moves video to state to when legal and guarded. It returns
// false without error when another writer already moved the video.
//
// Entering crf_searched, encoded, or analyzed carries data with it and goes
// through ChooseCandidate, CompleteEncode, and CompleteAnalysis instead.
func (m *Machine) Transition(ctx context.Context, video *store.Video, to store.State) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	from := video.State
	if !Legal(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	switch to {
	case store.StateAnalyzed, store.StateCRFSearched, store.StateEncoded:
		return false, fmt.Errorf("%w: %s requires its completing operation", ErrIllegalTransition, to)
	case store.StateFailed:
		return false, fmt.Errorf("%w: use Fail to enter failed", ErrIllegalTransition)
	case store.StateNeedsAnalysis:
		return false, fmt.Errorf("%w: use Requeue to leave failed", ErrIllegalTransition)
	case store.StateCRFSearching:
		if video.HasChosen() {
			return false, services.Wrap(services.ErrValidation, string(store.StageCRFSearch), "guard", "video already has a chosen candidate", nil)
		}
	case store.StateEncoding:
		if !video.HasChosen() {
			return false, services.Wrap(services.ErrValidation, string(store.StageEncode), "guard", "video has no chosen candidate", nil)
		}
	}

	ok, err := m.store.TransitionState(ctx, video.ID, from, to)
	if err != nil {
		return false, err
	}
	return m.applied(ctx, video, from, to, ok), nil
}

// CompleteAnalysis stores metadata and moves needs_analysis to analyzed.
// The caller validates metadata first.
func (m *Machine) CompleteAnalysis(ctx context.Context, video *store.Video, meta store.Metadata) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	ok, err := m.store.CompleteAnalysis(ctx, video.ID, meta)
	if err != nil {
		return false, err
	}
	if ok {
		video.Metadata = meta
	}
	return m.applied(ctx, video, store.StateNeedsAnalysis, store.StateAnalyzed, ok), nil
}

// ChooseCandidate marks the candidate at c.CRF chosen and moves the video
// from crf_searching to crf_searched in one transaction.
func (m *Machine) ChooseCandidate(ctx context.Context, video *store.Video, c store.Candidate) (*store.Candidate, bool, error) {
	if video == nil {
		return nil, false, errors.New("video is nil")
	}
	chosen, ok, err := m.store.ChooseCandidate(ctx, video.ID, c, store.StateCRFSearching, store.StateCRFSearched)
	if err != nil {
		return nil, false, err
	}
	if ok {
		video.ChosenCandidateID = chosen.ID
		bus.Emit(ctx, m.bus, bus.TopicCandidate, bus.CandidateEvent{
			VideoID:       video.ID,
			CRF:           chosen.CRF,
			Score:         chosen.Score,
			PredictedSize: chosen.PredictedSize,
			Chosen:        true,
		}, m.logger)
	}
	return chosen, m.applied(ctx, video, store.StateCRFSearching, store.StateCRFSearched, ok), nil
}

// CompleteEncode records the verified output location and moves encoding
// to encoded.
func (m *Machine) CompleteEncode(ctx context.Context, video *store.Video, newPath string, size int64) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	if !video.HasChosen() {
		return false, services.Wrap(services.ErrValidation, string(store.StageEncode), "guard", "video has no chosen candidate", nil)
	}
	ok, err := m.store.CompleteEncode(ctx, video.ID, newPath, size)
	if err != nil {
		return false, err
	}
	if ok {
		video.Path = newPath
		video.Size = size
	}
	return m.applied(ctx, video, store.StateEncoding, store.StateEncoded, ok), nil
}

// FailureInput describes why a video failed.
type FailureInput struct {
	Stage     store.Stage
	Err       error
	Code      string
	Context   map[string]any
	Signature string
}

func (f FailureInput) record(videoID int64) store.NewFailure {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return store.NewFailure{
		VideoID:   videoID,
		Stage:     f.Stage,
		Category:  services.Category(f.Err),
		Code:      f.Code,
		Message:   msg,
		Context:   f.Context,
		Signature: f.Signature,
	}
}

// Fail moves a non-terminal video to failed and writes the failure record.
// Terminal videos are left alone and false is returned.
func (m *Machine) Fail(ctx context.Context, video *store.Video, in FailureInput) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	rec := in.record(video.ID)
	ok, err := m.store.FailVideo(ctx, rec)
	if err != nil {
		return false, err
	}
	from := video.State
	if ok {
		metrics.IncFailure(string(rec.Stage), rec.Category)
		m.emitFailure(ctx, rec, true)
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "video failed", "video_failed",
			logging.Int64(logging.FieldVideoID, video.ID),
			logging.String(logging.FieldStage, string(rec.Stage)),
			logging.String("category", rec.Category),
			logging.String("code", rec.Code),
			logging.String("message", rec.Message),
			logging.String(logging.FieldErrorHint, "inspect the failure record, then requeue"),
			logging.String(logging.FieldImpact, "video will not be processed until requeued"),
		)
		video.State = store.StateFailed
		m.announce(ctx, video, from, store.StateFailed)
		return true, nil
	}
	m.lostRace(ctx, video, from, store.StateFailed)
	return false, nil
}

// RecordFailure appends a failure record without moving the video. Used for
// validation problems and intermediate retry attempts.
func (m *Machine) RecordFailure(ctx context.Context, video *store.Video, in FailureInput) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	rec := in.record(video.ID)
	ok, err := m.store.InsertFailure(ctx, rec)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.IncFailure(string(rec.Stage), rec.Category)
		m.emitFailure(ctx, rec, false)
	}
	return ok, nil
}

// Requeue returns a failed or blocked video to needs_analysis.
func (m *Machine) Requeue(ctx context.Context, id int64) (bool, error) {
	video, err := m.store.GetVideo(ctx, id)
	if err != nil {
		return false, err
	}
	if video == nil {
		return false, services.Wrap(services.ErrNotFound, "", "requeue", fmt.Sprintf("video %d not found", id), nil)
	}
	// A blocked video is requeued in place; anything else must be allowed
	// back to needs_analysis by the lifecycle.
	if video.State != store.StateNeedsAnalysis && !Legal(video.State, store.StateNeedsAnalysis) {
		return false, nil
	}
	ok, err := m.store.Requeue(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		from := video.State
		video.State = store.StateNeedsAnalysis
		video.ChosenCandidateID = 0
		m.announce(ctx, video, from, store.StateNeedsAnalysis)
	}
	return ok, nil
}

// Delete removes a video whose file disappeared.
func (m *Machine) Delete(ctx context.Context, video *store.Video) (bool, error) {
	if video == nil {
		return false, errors.New("video is nil")
	}
	ok, err := m.store.DeleteVideo(ctx, video.ID)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Info("video removed",
			logging.Int64(logging.FieldVideoID, video.ID),
			logging.String("path", video.Path),
			logging.String(logging.FieldEventType, "video_removed"),
		)
	}
	return ok, nil
}

// Recover resets videos left mid-stage by a previous run.
func (m *Machine) Recover(ctx context.Context) (int64, error) {
	n, err := m.store.ResetStuck(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.WarnWithContext(m.logger, "reset videos interrupted by shutdown", "startup_recovery",
			logging.Alert("interrupted_work"),
			logging.Int64("count", n),
			logging.String(logging.FieldErrorHint, "previous daemon run exited while work was in flight"),
			logging.String(logging.FieldImpact, "interrupted videos will be retried"),
		)
	}
	return n, nil
}

func (m *Machine) applied(ctx context.Context, video *store.Video, from, to store.State, ok bool) bool {
	if !ok {
		m.lostRace(ctx, video, from, to)
		return false
	}
	video.State = to
	m.announce(ctx, video, from, to)
	return true
}

func (m *Machine) announce(ctx context.Context, video *store.Video, from, to store.State) {
	metrics.StateTransitionsTotal.WithLabelValues(string(to)).Inc()
	logging.WithContext(ctx, m.logger).Debug("state transition",
		logging.Int64(logging.FieldVideoID, video.ID),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)
	bus.Emit(ctx, m.bus, bus.TopicVideoState, bus.VideoStateEvent{
		VideoID: video.ID,
		Path:    video.Path,
		From:    string(from),
		To:      string(to),
	}, m.logger)
}

func (m *Machine) lostRace(ctx context.Context, video *store.Video, from, to store.State) {
	metrics.LostRacesTotal.Inc()
	logging.WithContext(ctx, m.logger).Debug("state transition lost race",
		logging.Int64(logging.FieldVideoID, video.ID),
		logging.String("expected", string(from)),
		logging.String("to", string(to)),
		logging.String(logging.FieldEventType, "lost_race"),
	)
}

func (m *Machine) emitFailure(ctx context.Context, rec store.NewFailure, terminal bool) {
	bus.Emit(ctx, m.bus, bus.TopicFailure, bus.FailureEvent{
		VideoID:  rec.VideoID,
		Stage:    string(rec.Stage),
		Category: rec.Category,
		Code:     rec.Code,
		Message:  rec.Message,
		Terminal: terminal,
	}, m.logger)
}
