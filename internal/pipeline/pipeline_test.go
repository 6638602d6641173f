package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reencoder/internal/bus"
	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/services"
	"reencoder/internal/state"
	"reencoder/internal/store"
	"reencoder/internal/testsupport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedSizer struct{}

func (fixedSizer) Workers() int           { return 2 }
func (fixedSizer) Timeout() time.Duration { return 5 * time.Second }

type fakeAnalysis struct {
	machine *state.Machine
	panics  bool
}

func (a *fakeAnalysis) ProcessBatch(ctx context.Context, videos []*store.Video) error {
	if a.panics {
		panic("mediainfo exploded")
	}
	for _, v := range videos {
		if _, err := a.machine.CompleteAnalysis(ctx, v, store.Metadata{VideoCount: 1, Bitrate: 5_000_000}); err != nil {
			return err
		}
	}
	return nil
}

type fakeSearch struct {
	machine *state.Machine
	mu      sync.Mutex
	seen    []int64
}

func (s *fakeSearch) Process(ctx context.Context, v *store.Video) error {
	s.mu.Lock()
	s.seen = append(s.seen, v.ID)
	s.mu.Unlock()
	if ok, err := s.machine.Transition(ctx, v, store.StateCRFSearching); err != nil || !ok {
		return err
	}
	_, _, err := s.machine.ChooseCandidate(ctx, v, store.Candidate{VideoID: v.ID, CRF: 25, Score: 95})
	return err
}

type fakeEncode struct{ machine *state.Machine }

func (e *fakeEncode) Process(ctx context.Context, v *store.Video) error {
	if ok, err := e.machine.Transition(ctx, v, store.StateEncoding); err != nil || !ok {
		return err
	}
	_, err := e.machine.CompleteEncode(ctx, v, v.Path, 10)
	return err
}

type fixture struct {
	cfg      *config.Config
	store    *store.Store
	machine  *state.Machine
	pipeline *Pipeline
	analysis *fakeAnalysis
	search   *fakeSearch
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	b := bus.NewMemoryBus()
	machine := state.New(st, b, logging.NewNop())
	f := &fixture{
		cfg:      cfg,
		store:    st,
		machine:  machine,
		analysis: &fakeAnalysis{machine: machine},
		search:   &fakeSearch{machine: machine},
	}
	f.pipeline = New(cfg, machine, b, Stages{
		Analysis: f.analysis,
		Search:   f.search,
		Encode:   &fakeEncode{machine: machine},
	}, fixedSizer{}, logging.NewNop())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

// stateOf is safe to call from require.Eventually conditions.
func (f *fixture) stateOf(t *testing.T, id int64) store.State {
	t.Helper()
	v, err := f.store.GetVideo(context.Background(), id)
	if err != nil || v == nil {
		return ""
	}
	return v.State
}

func TestVideosFlowThroughAllStages(t *testing.T) {
	f := newFixture(t, nil)
	a := testsupport.NewVideo(t, f.store, "/tv/Show/Season 01/Show S01E01.mkv")
	b := testsupport.NewVideo(t, f.store, "/tv/Show/Season 01/Show S01E02.mkv")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.stateOf(t, a.ID) == store.StateEncoded && f.stateOf(t, b.ID) == store.StateEncoded
	}, 5*time.Second, 10*time.Millisecond)

	f.search.mu.Lock()
	defer f.search.mu.Unlock()
	require.ElementsMatch(t, []int64{a.ID, b.ID}, f.search.seen, "each video searched exactly once")
}

func TestStagesStayPausedWithoutAutoStart(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Workflow.AutoStart = false })
	v := testsupport.NewVideo(t, f.store, "/movies/Film/Film.mkv")
	f.start(t)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, store.StateNeedsAnalysis, f.stateOf(t, v.ID))

	status, err := f.pipeline.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 3)
	for _, s := range status {
		require.True(t, s.Paused, "stage %s should be paused", s.Name)
	}

	require.NoError(t, f.pipeline.Resume(store.StageAnalysis))
	require.Eventually(t, func() bool {
		return f.stateOf(t, v.ID) == store.StateAnalyzed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, store.StateAnalyzed, f.stateOf(t, v.ID), "search stays paused")
}

func TestWorkerPanicFailsVideosStillInStage(t *testing.T) {
	f := newFixture(t, nil)
	f.analysis.panics = true
	v := testsupport.NewVideo(t, f.store, "/movies/Film/Film.mkv")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.stateOf(t, v.ID) == store.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	failure, err := f.store.LatestFailure(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, failure)
	require.Equal(t, CodeWorkerFailed, failure.Code)
	require.Equal(t, store.StageAnalysis, failure.Stage)
	require.Equal(t, services.CategoryInternal, failure.Category)
}

func TestOnFailureSkipsVideosThatMovedOn(t *testing.T) {
	f := newFixture(t, nil)
	done := testsupport.AnalyzedVideo(t, f.store, "/tv/a.mkv", store.Metadata{VideoCount: 1})
	waiting := testsupport.NewVideo(t, f.store, "/tv/b.mkv")

	f.pipeline.onFailure(context.Background(), store.StageAnalysis, []*store.Video{done, waiting},
		services.Wrap(services.ErrTimeout, "analysis", "batch", "deadline", nil))

	require.Equal(t, store.StateAnalyzed, f.stateOf(t, done.ID))
	require.Equal(t, store.StateFailed, f.stateOf(t, waiting.ID))
	failure, err := f.store.LatestFailure(context.Background(), waiting.ID)
	require.NoError(t, err)
	require.Equal(t, services.CategoryTimeout, failure.Category)
}

func TestEnqueueRoutesByState(t *testing.T) {
	f := newFixture(t, nil)
	analyzed := testsupport.AnalyzedVideo(t, f.store, "/tv/a.mkv", store.Metadata{VideoCount: 1})

	s, err := f.pipeline.Enqueue(context.Background(), analyzed.ID)
	require.NoError(t, err)
	require.Equal(t, store.StageCRFSearch, s)

	_, err = f.pipeline.Enqueue(context.Background(), 9999)
	require.True(t, errors.Is(err, services.ErrNotFound), "got %v", err)

	_, err = f.machine.Fail(context.Background(), analyzed, state.FailureInput{Stage: store.StageCRFSearch, Err: errors.New("x")})
	require.NoError(t, err)
	_, err = f.pipeline.Enqueue(context.Background(), analyzed.ID)
	require.True(t, errors.Is(err, services.ErrValidation), "got %v", err)

	require.ErrorIs(t, f.pipeline.Pause("transcode"), ErrUnknownStage)
}

func TestWrapEnforcesSingleVideoJobs(t *testing.T) {
	_, err := wrap(store.StageEncode, []*store.Video{{ID: 1}, {ID: 2}})
	require.Error(t, err)

	msg, err := wrap(store.StageCRFSearch, []*store.Video{{ID: 1}})
	require.NoError(t, err)
	require.IsType(t, searchJob{}, msg)
	require.Equal(t, store.StageCRFSearch, msg.stage())

	msg, err = wrap(store.StageAnalysis, []*store.Video{{ID: 1}, {ID: 2}})
	require.NoError(t, err)
	require.Len(t, msg.videos(), 2)
}
