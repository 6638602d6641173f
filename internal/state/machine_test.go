package state_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reencoder/internal/bus"
	"reencoder/internal/services"
	"reencoder/internal/state"
	"reencoder/internal/store"
	"reencoder/internal/testsupport"
)

func newMachine(t *testing.T) (*state.Machine, *store.Store, *bus.MemoryBus) {
	t.Helper()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	b := bus.NewMemoryBus()
	return state.New(st, b, nil), st, b
}

func TestLegalTable(t *testing.T) {
	cases := []struct {
		from, to store.State
		want     bool
	}{
		{store.StateNeedsAnalysis, store.StateAnalyzed, true},
		{store.StateAnalyzed, store.StateCRFSearching, true},
		{store.StateCRFSearching, store.StateCRFSearched, true},
		{store.StateCRFSearched, store.StateEncoding, true},
		{store.StateEncoding, store.StateEncoded, true},
		{store.StateEncoding, store.StateFailed, true},
		{store.StateFailed, store.StateNeedsAnalysis, true},
		{store.StateAnalyzed, store.StateEncoding, false},
		{store.StateEncoded, store.StateFailed, false},
		{store.StateEncoded, store.StateNeedsAnalysis, false},
		{store.StateFailed, store.StateAnalyzed, false},
		{store.StateCRFSearched, store.StateAnalyzed, false},
	}
	for _, tc := range cases {
		if got := state.Legal(tc.from, tc.to); got != tc.want {
			t.Errorf("Legal(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	m, st, _ := newMachine(t)
	video := testsupport.AnalyzedVideo(t, st, "/movies/a.mkv", store.Metadata{Bitrate: 1})

	if _, err := m.Transition(context.Background(), video, store.StateEncoding); !errors.Is(err, state.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if _, err := m.Transition(context.Background(), video, store.StateFailed); !errors.Is(err, state.ErrIllegalTransition) {
		t.Fatalf("expected Fail to be required, got %v", err)
	}
}

func TestTransitionGuardRequiresChosenForEncoding(t *testing.T) {
	m, st, _ := newMachine(t)
	ctx := context.Background()
	video := testsupport.AnalyzedVideo(t, st, "/movies/b.mkv", store.Metadata{Bitrate: 1})
	video.State = store.StateCRFSearched

	_, err := m.Transition(ctx, video, store.StateEncoding)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation guard error, got %v", err)
	}
}

func TestTransitionLostRaceIsSilentNoop(t *testing.T) {
	m, st, _ := newMachine(t)
	ctx := context.Background()
	video := testsupport.AnalyzedVideo(t, st, "/movies/c.mkv", store.Metadata{Bitrate: 1})

	stale := *video
	ok, err := m.Transition(ctx, video, store.StateCRFSearching)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = m.Transition(ctx, &stale, store.StateCRFSearching)
	if err != nil {
		t.Fatalf("lost race should not error: %v", err)
	}
	if ok {
		t.Fatal("expected lost race to report false")
	}
}

func TestTerminalStatesAreMonotonic(t *testing.T) {
	m, st, _ := newMachine(t)
	ctx := context.Background()

	video := testsupport.AnalyzedVideo(t, st, "/movies/d.mkv", store.Metadata{Bitrate: 1})
	if ok, err := m.Fail(ctx, video, state.FailureInput{Stage: store.StageCRFSearch, Err: services.Wrap(services.ErrToolExit, "crf_search", "run", "exit 1", nil)}); err != nil || !ok {
		t.Fatalf("Fail: ok=%v err=%v", ok, err)
	}

	// Every path out of failed except requeue is refused.
	for _, to := range store.AllStates() {
		stale := *video
		stale.State = store.StateFailed
		ok, _ := m.Transition(ctx, &stale, to)
		if ok {
			t.Fatalf("failed video moved to %s", to)
		}
	}
	if ok, err := m.Fail(ctx, video, state.FailureInput{Stage: store.StageEncode, Err: errors.New("again")}); err != nil || ok {
		t.Fatalf("second Fail should be a no-op: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetVideo(ctx, video.ID)
	if got.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}

	ok, err := m.Requeue(ctx, video.ID)
	if err != nil || !ok {
		t.Fatalf("Requeue: ok=%v err=%v", ok, err)
	}
	got, _ = st.GetVideo(ctx, video.ID)
	if got.State != store.StateNeedsAnalysis {
		t.Fatalf("expected needs_analysis after requeue, got %s", got.State)
	}
}

func TestEncodedVideoCannotFail(t *testing.T) {
	m, st, _ := newMachine(t)
	ctx := context.Background()
	video := testsupport.AnalyzedVideo(t, st, "/movies/e.mkv", store.Metadata{Bitrate: 1})

	if ok, err := m.Transition(ctx, video, store.StateCRFSearching); err != nil || !ok {
		t.Fatalf("to crf_searching: ok=%v err=%v", ok, err)
	}
	if _, ok, err := m.ChooseCandidate(ctx, video, store.Candidate{CRF: 30, Score: 95}); err != nil || !ok {
		t.Fatalf("ChooseCandidate: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Transition(ctx, video, store.StateEncoding); err != nil || !ok {
		t.Fatalf("to encoding: ok=%v err=%v", ok, err)
	}
	if ok, err := m.CompleteEncode(ctx, video, "/movies/e.mkv", 100); err != nil || !ok {
		t.Fatalf("CompleteEncode: ok=%v err=%v", ok, err)
	}

	if ok, err := m.Fail(ctx, video, state.FailureInput{Stage: store.StageEncode, Err: errors.New("late")}); err != nil || ok {
		t.Fatalf("encoded video must not fail: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Requeue(ctx, video.ID); err != nil || ok {
		t.Fatalf("encoded video must not requeue: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetVideo(ctx, video.ID)
	if got.State != store.StateEncoded {
		t.Fatalf("expected encoded, got %s", got.State)
	}
}

func TestTransitionPublishesVideoStateEvent(t *testing.T) {
	m, st, b := newMachine(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.TopicVideoState)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	video := testsupport.AnalyzedVideo(t, st, "/movies/f.mkv", store.Metadata{Bitrate: 1})
	if ok, err := m.Transition(ctx, video, store.StateCRFSearching); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}

	select {
	case msg := <-sub.C():
		ev, err := bus.Decode[bus.VideoStateEvent](msg)
		if err != nil {
			t.Fatal(err)
		}
		if ev.VideoID != video.ID || ev.From != "analyzed" || ev.To != "crf_searching" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no video_state event")
	}
}

func TestFailRecordsCategory(t *testing.T) {
	m, st, _ := newMachine(t)
	ctx := context.Background()
	video := testsupport.AnalyzedVideo(t, st, "/movies/g.mkv", store.Metadata{Bitrate: 1})

	err := services.Wrap(services.ErrToolOutput, "crf_search", "size cap", "predicted 12 GB", nil)
	if _, ferr := m.Fail(ctx, video, state.FailureInput{Stage: store.StageCRFSearch, Err: err, Code: "size_exceeded"}); ferr != nil {
		t.Fatal(ferr)
	}
	latest, _ := st.LatestFailure(ctx, video.ID)
	if latest == nil || latest.Category != services.CategoryToolOutput || latest.Code != "size_exceeded" {
		t.Fatalf("unexpected failure %#v", latest)
	}
}

func TestRequeueMissingVideo(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.Requeue(context.Background(), 999)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
