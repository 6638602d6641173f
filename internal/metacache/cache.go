package metacache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/media/mediainfo"
	"reencoder/internal/metrics"
)

// ErrBatchFailed marks every uncached path of a failed bulk inspection.
var ErrBatchFailed = errors.New("batch inspection failed")

// Options bounds the cache. Zero values fall back to defaults.
type Options struct {
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
}

// OptionsFromConfig converts the metadata_cache config section.
func OptionsFromConfig(cfg config.MetadataCache) Options {
	return Options{
		MaxEntries:    cfg.MaxEntries,
		TTL:           time.Duration(cfg.TTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.SweepSeconds) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	return o
}

// Result is one path's outcome from GetBulk.
type Result struct {
	Info mediainfo.Info
	Err  error
}

type entry struct {
	path   string
	info   mediainfo.Info
	mtime  time.Time
	stored time.Time
}

// Cache maps path to metadata, validated by modification time.
type Cache struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
	stat    func(string) (fs.FileInfo, error)
	now     func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

// New builds a cache over fetcher.
func New(fetcher Fetcher, opts Options, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		logger:  logging.NewComponentLogger(logger, "metacache"),
		stat:    os.Stat,
		now:     time.Now,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Get returns metadata for path. A cached value is used only when the file's
// mtime is unchanged and the entry has not expired. Concurrent misses for the
// same path share one inspection.
func (c *Cache) Get(ctx context.Context, path string) (mediainfo.Info, error) {
	st, err := c.stat(path)
	if err != nil {
		c.Invalidate(path)
		return mediainfo.Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	mtime := st.ModTime()
	if info, ok := c.lookup(path, mtime); ok {
		return info, nil
	}

	v, err, _ := c.group.Do(path+"|"+mtime.String(), func() (any, error) {
		info, err := c.fetcher.Fetch(ctx, path)
		if err != nil {
			return mediainfo.Info{}, err
		}
		if info.Path == "" {
			info.Path = path
		}
		c.store(path, info, mtime)
		return info, nil
	})
	if err != nil {
		return mediainfo.Info{}, err
	}
	return v.(mediainfo.Info), nil
}

// GetBulk resolves many paths with at most one tool invocation for the
// uncached ones. Results map back by position when the tool returned one
// document per path and by the document's own path otherwise.
func (c *Cache) GetBulk(ctx context.Context, paths []string) map[string]Result {
	out := make(map[string]Result, len(paths))
	var (
		missing []string
		mtimes  = make(map[string]time.Time)
	)
	for _, path := range paths {
		if _, seen := out[path]; seen {
			continue
		}
		if _, pending := mtimes[path]; pending {
			continue
		}
		st, err := c.stat(path)
		if err != nil {
			c.Invalidate(path)
			out[path] = Result{Err: fmt.Errorf("stat %s: %w", path, err)}
			continue
		}
		if info, ok := c.lookup(path, st.ModTime()); ok {
			out[path] = Result{Info: info}
			continue
		}
		mtimes[path] = st.ModTime()
		missing = append(missing, path)
	}
	if len(missing) == 0 {
		return out
	}

	infos, err := c.fetcher.FetchMany(ctx, missing)
	if err != nil {
		batchErr := fmt.Errorf("%w: %w", ErrBatchFailed, err)
		for _, path := range missing {
			out[path] = Result{Err: batchErr}
		}
		return out
	}

	if len(infos) == len(missing) {
		for i, path := range missing {
			info := infos[i]
			info.Path = path
			c.store(path, info, mtimes[path])
			out[path] = Result{Info: info}
		}
		return out
	}

	byRef := make(map[string]mediainfo.Info, len(infos))
	for _, info := range infos {
		byRef[info.Path] = info
	}
	for _, path := range missing {
		info, ok := byRef[path]
		if !ok {
			out[path] = Result{Err: fmt.Errorf("%w: no document for %s", ErrBatchFailed, path)}
			continue
		}
		c.store(path, info, mtimes[path])
		out[path] = Result{Info: info}
	}
	return out
}

// Invalidate drops the entry for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		c.removeLocked(el)
		metrics.CacheEvictionsTotal.WithLabelValues("invalidated").Inc()
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).stored) >= c.opts.TTL {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("ttl").Add(float64(removed))
	}
	return removed
}

// Run sweeps expired entries until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("metadata cache sweep", logging.Int("expired", n), logging.Int("remaining", c.Len()))
			}
		}
	}
}

func (c *Cache) lookup(path string, mtime time.Time) (mediainfo.Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return mediainfo.Info{}, false
	}
	e := el.Value.(*entry)
	if !e.mtime.Equal(mtime) || c.now().Sub(e.stored) >= c.opts.TTL {
		c.removeLocked(el)
		metrics.CacheRequestsTotal.WithLabelValues("stale").Inc()
		return mediainfo.Info{}, false
	}
	c.ll.MoveToFront(el)
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return e.info, true
}

func (c *Cache) store(path string, info mediainfo.Info, mtime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		e := el.Value.(*entry)
		e.info = info
		e.mtime = mtime
		e.stored = c.now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{path: path, info: info, mtime: mtime, stored: c.now()})
	c.items[path] = el
	for c.ll.Len() > c.opts.MaxEntries {
		c.removeLocked(c.ll.Back())
		metrics.CacheEvictionsTotal.WithLabelValues("capacity").Inc()
	}
	metrics.CacheEntries.Set(float64(c.ll.Len()))
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.path)
	metrics.CacheEntries.Set(float64(c.ll.Len()))
}
