package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reencoder/internal/api"
	"reencoder/internal/config"
	"reencoder/internal/deps"
	"reencoder/internal/dispatch"
	"reencoder/internal/logging"
	"reencoder/internal/pipeline"
	"reencoder/internal/scanner"
	"reencoder/internal/services"
	"reencoder/internal/store"
	"reencoder/internal/testsupport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakePipeline struct {
	mu       sync.Mutex
	runErr   error
	paused   []store.Stage
	resumed  []store.Stage
	requeue  bool
	enqueued []int64
	enqErr   error
}

func (p *fakePipeline) Run(ctx context.Context) error {
	if p.runErr != nil {
		return p.runErr
	}
	<-ctx.Done()
	return nil
}

func (p *fakePipeline) Pause(s store.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, s)
	return nil
}

func (p *fakePipeline) Resume(s store.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, s)
	return nil
}

func (p *fakePipeline) Status(context.Context) ([]dispatch.Status, error) {
	return []dispatch.Status{
		{Name: "analysis", Demand: 4, Workers: 2},
		{Name: "crf_search", Paused: true, Workers: 1},
		{Name: "encode", Workers: 1},
	}, nil
}

func (p *fakePipeline) Enqueue(_ context.Context, id int64) (store.Stage, error) {
	if p.enqErr != nil {
		return "", p.enqErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, id)
	return store.StageCRFSearch, nil
}

func (p *fakePipeline) Requeue(context.Context, int64) (bool, error) {
	return p.requeue, nil
}

type fakeScanner struct{}

func (fakeScanner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (fakeScanner) Scan(context.Context) (scanner.Result, error) {
	return scanner.Result{Found: 5, Added: 2}, nil
}

func newTestDaemon(t *testing.T, pipe *fakePipeline, opts ...func(*config.Config)) (*Daemon, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	d, err := New(cfg, st, pipe, fakeScanner{}, logging.NewNop())
	require.NoError(t, err)
	d.checkDeps = func() []deps.Status {
		return []deps.Status{
			{Name: deps.NameAbAv1, Command: "ab-av1", Available: true},
			{Name: deps.NameFFmpeg, Command: "ffmpeg", Available: true},
			{Name: deps.NameMediainfo, Command: "mediainfo", Available: false, Detail: "not found"},
			{Name: deps.NameFFprobe, Command: "ffprobe", Available: true},
		}
	}
	return d, st
}

func TestStartEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	first, err := New(cfg, st, &fakePipeline{}, fakeScanner{}, logging.NewNop())
	require.NoError(t, err)
	second, err := New(cfg, st, &fakePipeline{}, fakeScanner{}, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, first.Start(context.Background()))
	assert.NotEmpty(t, first.Address())

	err = second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	first.Stop()
	require.NoError(t, second.Start(context.Background()))
	second.Stop()
}

func TestRuntimeFailureClosesDone(t *testing.T) {
	d, _ := newTestDaemon(t, &fakePipeline{runErr: errors.New("recover failed")})
	require.NoError(t, d.Start(context.Background()))

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon runtime did not stop")
	}
	require.Error(t, d.Err())
	assert.Contains(t, d.Err().Error(), "pipeline: recover failed")
	d.Stop()
}

func TestStatusEndpoint(t *testing.T) {
	d, st := newTestDaemon(t, &fakePipeline{})
	testsupport.NewVideo(t, st, "/tv/a.mkv")
	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	var status api.DaemonStatus
	getJSON(t, srv.URL+"/api/status", http.StatusOK, &status)

	assert.False(t, status.Running)
	require.Len(t, status.Stages, 3)
	assert.True(t, status.Stages[1].Paused)
	assert.Equal(t, 1, status.Counts["needs_analysis"])
	assert.Equal(t, 0, status.Counts["encoded"])
	require.Len(t, status.StageHealth, 3)
	assert.False(t, status.StageHealth[0].Ready, "analysis needs mediainfo")
	assert.True(t, status.StageHealth[1].Ready)
}

func TestVideoEndpoints(t *testing.T) {
	d, st := newTestDaemon(t, &fakePipeline{})
	ctx := context.Background()
	a := testsupport.NewVideo(t, st, "/tv/a.mkv")
	b := testsupport.NewVideo(t, st, "/tv/b.mkv")
	_, err := st.FailVideo(ctx, store.NewFailure{VideoID: b.ID, Stage: store.StageAnalysis, Category: "validation", Message: "no video stream"})
	require.NoError(t, err)

	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	var list api.VideoListResponse
	getJSON(t, srv.URL+"/api/videos?state=failed", http.StatusOK, &list)
	require.Len(t, list.Videos, 1)
	assert.Equal(t, b.ID, list.Videos[0].ID)

	getJSON(t, srv.URL+"/api/videos?state=bogus", http.StatusBadRequest, nil)

	var detail api.VideoResponse
	getJSON(t, fmt.Sprintf("%s/api/videos/%d", srv.URL, b.ID), http.StatusOK, &detail)
	assert.Equal(t, "failed", detail.Video.State)
	require.NotNil(t, detail.LatestFailure)
	assert.Equal(t, "no video stream", detail.LatestFailure.Message)

	var failures api.FailureListResponse
	getJSON(t, fmt.Sprintf("%s/api/videos/%d/failures", srv.URL, b.ID), http.StatusOK, &failures)
	require.Len(t, failures.Failures, 1)
	assert.Equal(t, "analysis", failures.Failures[0].Stage)

	var none api.FailureListResponse
	getJSON(t, fmt.Sprintf("%s/api/videos/%d/failures", srv.URL, a.ID), http.StatusOK, &none)
	assert.Empty(t, none.Failures)

	getJSON(t, srv.URL+"/api/videos/999", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/videos/abc", http.StatusBadRequest, nil)
}

func TestRequeueAndEnqueueEndpoints(t *testing.T) {
	pipe := &fakePipeline{}
	d, st := newTestDaemon(t, pipe)
	v := testsupport.NewVideo(t, st, "/tv/a.mkv")
	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	resp := post(t, fmt.Sprintf("%s/api/videos/%d/requeue", srv.URL, v.ID))
	assert.Equal(t, http.StatusConflict, resp)

	pipe.requeue = true
	resp = post(t, fmt.Sprintf("%s/api/videos/%d/requeue", srv.URL, v.ID))
	assert.Equal(t, http.StatusOK, resp)

	resp = post(t, fmt.Sprintf("%s/api/videos/%d/enqueue", srv.URL, v.ID))
	assert.Equal(t, http.StatusOK, resp)
	assert.Equal(t, []int64{v.ID}, pipe.enqueued)

	pipe.enqErr = services.Wrap(services.ErrValidation, "", "enqueue", "video is encoded", nil)
	assert.Equal(t, http.StatusConflict, post(t, fmt.Sprintf("%s/api/videos/%d/enqueue", srv.URL, v.ID)))

	pipe.enqErr = services.Wrap(services.ErrNotFound, "", "enqueue", "video 42 not found", nil)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/api/videos/42/enqueue"))
}

func TestStageAndScanEndpoints(t *testing.T) {
	pipe := &fakePipeline{}
	d, _ := newTestDaemon(t, pipe)
	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/api/stages/encode/pause"))
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/api/stages/crf_search/resume"))
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/api/stages/ripping/pause"))
	assert.Equal(t, []store.Stage{store.StageEncode}, pipe.paused)
	assert.Equal(t, []store.Stage{store.StageCRFSearch}, pipe.resumed)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/scan", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var scan api.ScanResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&scan))
	assert.Equal(t, api.ScanResponse{Found: 5, Added: 2}, scan)
}

func TestMetricsEndpoint(t *testing.T) {
	d, _ := newTestDaemon(t, &fakePipeline{})
	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
}

func TestAuthMiddleware(t *testing.T) {
	d, _ := newTestDaemon(t, &fakePipeline{}, func(cfg *config.Config) { cfg.Paths.APIToken = "secret" })
	srv := httptest.NewServer(d.api.handler)
	defer srv.Close()

	getJSON(t, srv.URL+"/api/status", http.StatusUnauthorized, nil)

	client := api.NewClient(srv.URL, "secret", srv.Client())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Stages, 3)

	_, err = api.NewClient(srv.URL, "wrong", srv.Client()).Status(context.Background())
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestUnknownStageErrorMapsToNotFound(t *testing.T) {
	d, _ := newTestDaemon(t, &fakePipeline{})
	rec := httptest.NewRecorder()
	d.api.writeError(rec, fmt.Errorf("%w: %q", pipeline.ErrUnknownStage, "x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, wantStatus, res.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
}

func post(t *testing.T, url string) int {
	t.Helper()
	res, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	return res.StatusCode
}
