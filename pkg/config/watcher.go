package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/profileserver/internal/logger"
)

// hotReloadable lists the dotted field paths the watcher is allowed to
// apply from a file change without a restart. Everything else in the
// file is read once at Load and requires a restart to take effect.
var hotReloadable = map[string]struct{}{
	"identity.max_hosted_identities": {},
	"search.max_total_with_thumbnails": {},
	"search.max_response_with_thumbnails": {},
	"search.max_total_no_thumbnails": {},
	"search.max_response_no_thumbnails": {},
	"search.wall_clock_budget": {},
	"neighborhood.action_lease": {},
	"neighborhood.initialization_lease": {},
}

// Watcher tracks the live, hot-reloadable subset of a Config and keeps it
// in sync with the backing file, mirroring the teacher's settings watcher.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cur *Config

	closed atomic.Bool
	fsw    *fsnotify.Watcher
}

// NewWatcher starts watching path for changes, applying only the fields
// listed in hotReloadable to the live Config. initial is the Config
// returned by Load and is never mutated outside the hot-reloadable set.
func NewWatcher(ctx context.Context, path string, initial *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, cur: initial, fsw: fsw}
	go w.run(ctx)
	return w, nil
}

// Current returns the live configuration. Callers must not retain the
// pointer across reload boundaries if they need live values; re-call
// Current on each use of a hot-reloadable field.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.WarnCtx(ctx, "config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := Load(w.path)
	if err != nil {
		logger.WarnCtx(ctx, "config reload failed, keeping current config", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	merged := *w.cur
	merged.Identity.MaxHostedIdentities = next.Identity.MaxHostedIdentities
	merged.Search.MaxTotalWithThumbnails = next.Search.MaxTotalWithThumbnails
	merged.Search.MaxResponseWithThumbnails = next.Search.MaxResponseWithThumbnails
	merged.Search.MaxTotalNoThumbnails = next.Search.MaxTotalNoThumbnails
	merged.Search.MaxResponseNoThumbnails = next.Search.MaxResponseNoThumbnails
	merged.Search.WallClockBudget = next.Search.WallClockBudget
	merged.Neighborhood.ActionLease = next.Neighborhood.ActionLease
	merged.Neighborhood.InitializationLease = next.Neighborhood.InitializationLease
	w.cur = &merged

	logger.InfoCtx(ctx, "configuration hot-reloaded")
}

// Close stops the underlying file watch. Safe to call more than once.
func (w *Watcher) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		return w.fsw.Close()
	}
	return nil
}
