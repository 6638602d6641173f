package analysis_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"reencoder/internal/analysis"
	"reencoder/internal/logging"
	"reencoder/internal/media/mediainfo"
	"reencoder/internal/metacache"
	"reencoder/internal/services"
	"reencoder/internal/state"
	"reencoder/internal/store"
	"reencoder/internal/testsupport"
)

type fakeFetcher struct {
	mu        sync.Mutex
	infos     map[string]mediainfo.Info
	manyErr   error
	fetchErr  error
	manyCalls int
	calls     int
}

func (f *fakeFetcher) Fetch(_ context.Context, path string) (mediainfo.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fetchErr != nil {
		return mediainfo.Info{}, f.fetchErr
	}
	return f.infos[path], nil
}

func (f *fakeFetcher) FetchMany(_ context.Context, paths []string) ([]mediainfo.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manyCalls++
	if f.manyErr != nil {
		return nil, f.manyErr
	}
	out := make([]mediainfo.Info, 0, len(paths))
	for _, p := range paths {
		out = append(out, f.infos[p])
	}
	return out, nil
}

type recordingRefresher struct {
	mu     sync.Mutex
	videos []int64
}

func (r *recordingRefresher) Refresh(_ context.Context, video *store.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos = append(r.videos, video.ID)
	return nil
}

func goodInfo(path string) mediainfo.Info {
	return mediainfo.Info{
		Path:             path,
		Size:             4 << 30,
		Bitrate:          12_000_000,
		Duration:         2700,
		Width:            1920,
		Height:           1080,
		FrameRate:        23.976,
		VideoCodecs:      []string{"AVC"},
		AudioCodecs:      []string{"E-AC-3"},
		VideoCount:       1,
		AudioCount:       1,
		MaxAudioChannels: 6,
	}
}

type harness struct {
	store     *store.Store
	fetcher   *fakeFetcher
	refresher *recordingRefresher
	analyzer  *analysis.Analyzer
	root      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	fetcher := &fakeFetcher{infos: make(map[string]mediainfo.Info)}
	cache := metacache.New(fetcher, metacache.OptionsFromConfig(cfg.MetadataCache), logging.NewNop())
	refresher := &recordingRefresher{}
	machine := state.New(st, nil, logging.NewNop())
	return &harness{
		store:     st,
		fetcher:   fetcher,
		refresher: refresher,
		analyzer:  analysis.New(cache, machine, refresher, logging.NewNop()),
		root:      testsupport.BaseDir(cfg),
	}
}

func (h *harness) video(t *testing.T, rel string, info *mediainfo.Info) *store.Video {
	t.Helper()
	path := filepath.Join(h.root, rel)
	testsupport.WriteFile(t, path, 1024)
	if info != nil {
		i := *info
		i.Path = path
		h.fetcher.infos[path] = i
	}
	return testsupport.NewVideo(t, h.store, path)
}

func (h *harness) reload(t *testing.T, id int64) *store.Video {
	t.Helper()
	v, err := h.store.GetVideo(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestProcessBatchCompletesAnalysis(t *testing.T) {
	h := newHarness(t)
	info := goodInfo("")
	ep := h.video(t, "tv/Andor/Season 1/Andor.S01E03.mkv", &info)
	movie := h.video(t, "movies/Heat (1995)/Heat (1995).mkv", &info)

	if err := h.analyzer.ProcessBatch(context.Background(), []*store.Video{ep, movie}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if h.fetcher.manyCalls != 1 || h.fetcher.calls != 0 {
		t.Fatalf("expected one bulk call, got many=%d single=%d", h.fetcher.manyCalls, h.fetcher.calls)
	}

	got := h.reload(t, ep.ID)
	if got.State != store.StateAnalyzed {
		t.Fatalf("expected analyzed, got %s", got.State)
	}
	if got.SeriesKey != "andor" || got.Season != 1 || got.Resolution != "1080p" || got.Bitrate != 12_000_000 {
		t.Fatalf("unexpected metadata %+v", got.Metadata)
	}
	if m := h.reload(t, movie.ID); m.State != store.StateAnalyzed || m.SeriesKey != "" {
		t.Fatalf("unexpected movie %+v", m)
	}
}

func TestProcessBatchRecordsValidationFailure(t *testing.T) {
	h := newHarness(t)
	info := goodInfo("")
	info.Bitrate = 0
	info.AudioCount = 2
	video := h.video(t, "movies/broken.mkv", &info)

	if err := h.analyzer.ProcessBatch(context.Background(), []*store.Video{video}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := h.reload(t, video.ID)
	if got.State != store.StateNeedsAnalysis {
		t.Fatalf("validation failure must not move the video, got %s", got.State)
	}
	latest, err := h.store.LatestFailure(context.Background(), video.ID)
	if err != nil || latest == nil {
		t.Fatalf("LatestFailure: %v", err)
	}
	if latest.Category != services.CategoryValidation || latest.Code != analysis.CodeInvalidMetadata {
		t.Fatalf("unexpected failure %+v", latest)
	}
	eligible, err := h.store.EligibleVideos(context.Background(), store.StageAnalysis, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 0 {
		t.Fatalf("blocked video must not be eligible, got %d", len(eligible))
	}
}

func TestProcessBatchDropsMissingFiles(t *testing.T) {
	h := newHarness(t)
	missing := testsupport.NewVideo(t, h.store, filepath.Join(h.root, "movies", "gone.mkv"))

	if err := h.analyzer.ProcessBatch(context.Background(), []*store.Video{missing}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if got := h.reload(t, missing.ID); got != nil {
		t.Fatalf("expected missing video to be deleted, got %+v", got)
	}
	if len(h.refresher.videos) != 1 || h.refresher.videos[0] != missing.ID {
		t.Fatalf("expected upstream refresh for %d, got %v", missing.ID, h.refresher.videos)
	}
	if h.fetcher.manyCalls != 0 {
		t.Fatal("missing files must not reach mediainfo")
	}
}

func TestProcessBatchFallsBackAfterBulkFailure(t *testing.T) {
	h := newHarness(t)
	info := goodInfo("")
	a := h.video(t, "movies/a.mkv", &info)
	b := h.video(t, "movies/b.mkv", &info)
	h.fetcher.manyErr = errors.New("argument list too long")

	if err := h.analyzer.ProcessBatch(context.Background(), []*store.Video{a, b}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if h.fetcher.calls != 2 {
		t.Fatalf("expected per-file fallback, got %d calls", h.fetcher.calls)
	}
	for _, id := range []int64{a.ID, b.ID} {
		if got := h.reload(t, id); got.State != store.StateAnalyzed {
			t.Fatalf("video %d not analyzed: %s", id, got.State)
		}
	}
}

func TestProcessBatchFailsOnToolError(t *testing.T) {
	h := newHarness(t)
	info := goodInfo("")
	video := h.video(t, "movies/tool.mkv", &info)
	h.fetcher.manyErr = errors.New("bulk broke")
	h.fetcher.fetchErr = services.Wrap(services.ErrToolExit, "mediainfo", "inspect", "exit status 1", nil)

	if err := h.analyzer.ProcessBatch(context.Background(), []*store.Video{video}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := h.reload(t, video.ID)
	if got.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	latest, _ := h.store.LatestFailure(context.Background(), video.ID)
	if latest == nil || latest.Category != services.CategoryToolExit || latest.Code != analysis.CodeInspectFailed {
		t.Fatalf("unexpected failure %+v", latest)
	}
}
