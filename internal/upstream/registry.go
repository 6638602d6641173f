package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/store"
)

// ErrNoService reports a video outside every configured library root or
// whose owning service is disabled.
var ErrNoService = errors.New("no upstream service for video")

// Registry routes videos to the service that owns their library root.
type Registry struct {
	services  map[Kind]*Service
	tvDirs    []string
	movieDirs []string
	store     *store.Store
	logger    *slog.Logger
}

// NewRegistry builds clients for the enabled services. A nil store skips
// persisting resolved service ids.
func NewRegistry(cfg *config.Config, st *store.Store, httpClient HTTPDoer, logger *slog.Logger) *Registry {
	r := &Registry{
		services: make(map[Kind]*Service),
		store:    st,
		logger:   logging.NewComponentLogger(logger, "upstream"),
	}
	if cfg == nil {
		return r
	}
	r.tvDirs = append([]string(nil), cfg.Library.TVDirs...)
	r.movieDirs = append([]string(nil), cfg.Library.MovieDirs...)
	if cfg.Sonarr.Enabled {
		r.services[KindSonarr] = NewService(KindSonarr, cfg.Sonarr, httpClient, logger)
	}
	if cfg.Radarr.Enabled {
		r.services[KindRadarr] = NewService(KindRadarr, cfg.Radarr, httpClient, logger)
	}
	return r
}

// KindFor returns the service kind owning path, or "" when path is outside
// every library root.
func (r *Registry) KindFor(path string) Kind {
	clean := filepath.Clean(path)
	for _, dir := range r.tvDirs {
		if within(clean, dir) {
			return KindSonarr
		}
	}
	for _, dir := range r.movieDirs {
		if within(clean, dir) {
			return KindRadarr
		}
	}
	return ""
}

// Resolve returns the owning service and its id for the video, looking the
// id up by path when the video does not carry one yet.
func (r *Registry) Resolve(ctx context.Context, video *store.Video) (*Service, string, error) {
	if video == nil {
		return nil, "", errors.New("video is nil")
	}
	kind := r.KindFor(video.Path)
	svc := r.services[kind]
	if svc == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoService, video.Path)
	}
	if video.ServiceID != "" && Kind(video.Service) == kind {
		return svc, video.ServiceID, nil
	}
	id, err := svc.FindByPath(ctx, video.Path)
	if err != nil {
		return nil, "", err
	}
	video.Service = string(kind)
	video.ServiceID = id
	if r.store != nil {
		if err := r.store.UpdateService(ctx, video.ID, string(kind), id); err != nil {
			return nil, "", err
		}
	}
	return svc, id, nil
}

// Refresh asks the owning service to rescan the video's series or movie
// without waiting for the command to finish. Videos without an owning
// service are skipped.
func (r *Registry) Refresh(ctx context.Context, video *store.Video) error {
	svc, id, err := r.Resolve(ctx, video)
	if errors.Is(err, ErrNoService) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = svc.Refresh(ctx, id)
	return err
}

// Sync refreshes and then renames the video's series or movie, waiting for
// each command in turn. Used after a file has been replaced.
func (r *Registry) Sync(ctx context.Context, video *store.Video) error {
	svc, id, err := r.Resolve(ctx, video)
	if errors.Is(err, ErrNoService) {
		r.logger.Debug("no upstream service for video",
			logging.Int64(logging.FieldVideoID, video.ID),
			logging.String("path", video.Path),
		)
		return nil
	}
	if err != nil {
		return err
	}
	refresh, err := svc.Refresh(ctx, id)
	if err != nil {
		return err
	}
	if _, err := svc.WaitForCommand(ctx, refresh.ID); err != nil {
		return err
	}
	rename, err := svc.Rename(ctx, id)
	if err != nil {
		return err
	}
	if _, err := svc.WaitForCommand(ctx, rename.ID); err != nil {
		return err
	}
	r.logger.Info("upstream refreshed and renamed",
		logging.Int64(logging.FieldVideoID, video.ID),
		logging.String("service", string(svc.Kind())),
		logging.String("service_id", id),
		logging.String(logging.FieldEventType, "upstream_synced"),
	)
	return nil
}

// Enabled reports whether any service is configured.
func (r *Registry) Enabled() bool {
	return len(r.services) > 0
}

func within(path, root string) bool {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return false
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

