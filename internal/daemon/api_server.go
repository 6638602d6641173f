package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reencoder/internal/api"
	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/pipeline"
	"reencoder/internal/services"
	"reencoder/internal/store"
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.handler = srv.routes(cfg.Paths.APIToken)
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(authMiddleware(token))

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/videos", s.handleVideos)
	r.Route("/api/videos/{id}", func(r chi.Router) {
		r.Get("/", s.handleVideo)
		r.Get("/failures", s.handleFailures)
		r.Post("/requeue", s.handleRequeue)
		r.Post("/enqueue", s.handleEnqueue)
	})
	r.Post("/api/stages/{stage}/pause", s.handleStage(true))
	r.Post("/api/stages/{stage}/resume", s.handleStage(false))
	r.Post("/api/scan", s.handleScan)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *apiServer) start() error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		DatabasePath: status.DatabasePath,
		LockFilePath: status.LockFilePath,
		Stages:       api.FromStageStatuses(status.Stages),
		Counts:       api.FromCounts(status.Counts),
		StageHealth:  api.FromHealth(status.Health),
		Dependencies: api.FromDependencies(status.Dependencies),
	})
}

func (s *apiServer) handleVideos(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter store.ListFilter
	for _, value := range query["state"] {
		for part := range strings.SplitSeq(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, ok := store.ParseState(part)
			if !ok {
				s.writeMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", part))
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	videos, err := s.daemon.store.ListVideos(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.VideoListResponse{Videos: api.FromVideos(videos)})
}

func (s *apiServer) handleVideo(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	candidates, err := s.daemon.store.ListCandidates(ctx, video.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := api.VideoResponse{
		Video:      api.FromVideo(video),
		Candidates: make([]api.Candidate, 0, len(candidates)),
	}
	for _, c := range candidates {
		resp.Candidates = append(resp.Candidates, api.FromCandidate(c))
	}
	latest, err := s.daemon.store.LatestFailure(ctx, video.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if latest != nil {
		f := api.FromFailure(latest)
		resp.LatestFailure = &f
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleFailures(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	failures, err := s.daemon.store.ListFailures(r.Context(), video.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := api.FailureListResponse{Failures: make([]api.Failure, 0, len(failures))}
	for _, f := range failures {
		resp.Failures = append(resp.Failures, api.FromFailure(f))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	requeued, err := s.daemon.pipeline.Requeue(r.Context(), video.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !requeued {
		s.writeMessage(w, http.StatusConflict, fmt.Sprintf("video %d is %s and cannot be requeued", video.ID, video.State))
		return
	}
	s.logger.Info("video requeued", logging.Int64(logging.FieldVideoID, video.ID), logging.String(logging.FieldEventType, "video_requeued"))
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: fmt.Sprintf("video %d requeued for analysis", video.ID), Stage: string(store.StageAnalysis)})
}

func (s *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.videoID(w, r)
	if !ok {
		return
	}
	stg, err := s.daemon.pipeline.Enqueue(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: fmt.Sprintf("video %d queued for %s", id, stg), Stage: string(stg)})
}

func (s *apiServer) handleStage(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "stage")
		stg, ok := store.ParseStage(name)
		if !ok {
			s.writeMessage(w, http.StatusNotFound, fmt.Sprintf("unknown stage %q", name))
			return
		}
		verb := "resumed"
		var err error
		if pause {
			verb = "paused"
			err = s.daemon.pipeline.Pause(stg)
		} else {
			err = s.daemon.pipeline.Resume(stg)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("stage "+verb, logging.String(logging.FieldStage, string(stg)), logging.String(logging.FieldEventType, "stage_"+verb))
		s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: fmt.Sprintf("%s %s", stg, verb), Stage: string(stg)})
	}
}

func (s *apiServer) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Scan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ScanResponse{Found: res.Found, Added: res.Added})
}

func (s *apiServer) videoID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeMessage(w, http.StatusBadRequest, "invalid video id")
		return 0, false
	}
	return id, true
}

func (s *apiServer) loadVideo(w http.ResponseWriter, r *http.Request) (*store.Video, bool) {
	id, ok := s.videoID(w, r)
	if !ok {
		return nil, false
	}
	video, err := s.daemon.store.GetVideo(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if video == nil {
		s.writeMessage(w, http.StatusNotFound, fmt.Sprintf("video %d not found", id))
		return nil, false
	}
	return video, true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeError maps classified errors onto status codes.
func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, pipeline.ErrUnknownStage):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", logging.Error(err))
	}
	s.writeMessage(w, status, err.Error())
}

func (s *apiServer) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
