package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/store"
)

const defaultDebounce = 2 * time.Second

// Result summarizes a scan.
type Result struct {
	Found int `json:"found"`
	Added int `json:"added"`
}

// Scanner finds video files and inserts them into the store.
type Scanner struct {
	roots       []string
	extensions  []string
	store       *store.Store
	notify      func()
	watch       bool
	scanOnStart bool
	debounce    time.Duration
	logger      *slog.Logger
}

// New builds a scanner over the configured library roots. notify is called
// after new videos were inserted and may be nil.
func New(cfg *config.Config, st *store.Store, notify func(), logger *slog.Logger) *Scanner {
	roots := append(append([]string(nil), cfg.Library.TVDirs...), cfg.Library.MovieDirs...)
	exts := make([]string, 0, len(cfg.Library.Extensions))
	for _, ext := range cfg.Library.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if notify == nil {
		notify = func() {}
	}
	return &Scanner{
		roots:       roots,
		extensions:  exts,
		store:       st,
		notify:      notify,
		watch:       cfg.Library.Watch,
		scanOnStart: cfg.Workflow.ScanOnStart,
		debounce:    defaultDebounce,
		logger:      logging.NewComponentLogger(logger, "scanner"),
	}
}

// IsVideo reports whether path has one of the configured extensions.
func (s *Scanner) IsVideo(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return slices.Contains(s.extensions, strings.ToLower(filepath.Ext(base)))
}

// Scan walks every root once.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var total Result
	for _, root := range s.roots {
		res, err := s.scanDir(ctx, root)
		total.Found += res.Found
		total.Added += res.Added
		if err != nil {
			return total, err
		}
	}
	s.logger.Info("library scan complete",
		logging.Int("found", total.Found),
		logging.Int("added", total.Added),
		logging.String(logging.FieldEventType, "library_scanned"),
	)
	if total.Added > 0 {
		s.notify()
	}
	return total, nil
}

func (s *Scanner) scanDir(ctx context.Context, root string) (Result, error) {
	var res Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				logging.WarnWithContext(s.logger, "library root missing", "library_root_missing",
					logging.String("root", root),
					logging.String(logging.FieldErrorHint, "check library.tv_dirs and library.movie_dirs"),
					logging.String(logging.FieldImpact, "files under this root are not discovered"),
				)
				return fs.SkipDir
			}
			s.logger.Debug("skipping unreadable path", logging.String("path", path), logging.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.IsVideo(path) {
			return nil
		}
		res.Found++
		added, err := s.add(ctx, path)
		if err != nil {
			return err
		}
		if added {
			res.Added++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", root, err)
	}
	return res, nil
}

func (s *Scanner) add(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false, nil
	}
	video, inserted, err := s.store.InsertVideo(ctx, path)
	if err != nil {
		return false, err
	}
	if inserted {
		s.logger.Debug("video discovered",
			logging.Int64(logging.FieldVideoID, video.ID),
			logging.String("path", path),
		)
	}
	return inserted, nil
}

// Run scans at start when configured, then watches the roots until ctx is
// cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	if s.scanOnStart {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(s.logger, "startup scan failed", "library_scan_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check library permissions"),
				logging.String(logging.FieldImpact, "new files are only found by the watcher or a manual scan"),
			)
		}
	}
	if !s.watch {
		<-ctx.Done()
		return nil
	}
	return s.watchRoots(ctx)
}

func (s *Scanner) watchRoots(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	for _, root := range s.roots {
		s.addTree(watcher, root)
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				// Files may land before the new directory is watched.
				s.addTree(watcher, event.Name)
				pending[event.Name] = struct{}{}
			} else if s.IsVideo(event.Name) {
				pending[event.Name] = struct{}{}
			} else {
				continue
			}
			timer.Reset(s.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(s.logger, "fsnotify watcher error", "watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_user_watches for large libraries"),
				logging.String(logging.FieldImpact, "some new files may need a manual scan"),
			)
		case <-timer.C:
			s.flush(ctx, pending)
			clear(pending)
		}
	}
}

func (s *Scanner) flush(ctx context.Context, pending map[string]struct{}) {
	added := 0
	for path := range pending {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			res, err := s.scanDir(ctx, path)
			added += res.Added
			if err != nil && ctx.Err() == nil {
				s.logger.Debug("scan of new directory failed", logging.String("path", path), logging.Error(err))
			}
			continue
		}
		ok, err := s.add(ctx, path)
		if err != nil {
			s.logger.Debug("insert failed", logging.String("path", path), logging.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("new videos discovered", logging.Int("added", added), logging.String(logging.FieldEventType, "videos_discovered"))
		s.notify()
	}
}

func (s *Scanner) addTree(watcher *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Debug("watch failed", logging.String("path", path), logging.Error(err))
		}
		return nil
	})
}
