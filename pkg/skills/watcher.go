package skills

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

// Watcher reloads skills when their sources change on disk. Events are
// debounced per bundle directory.
type Watcher struct {
	rt     *Runtime
	fsw    *fsnotify.Watcher
	delay  time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher for the runtime's skills root
func NewWatcher(rt *Runtime) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	delay := rt.cfg.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Watcher{
		rt:     rt,
		fsw:    fsw,
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Start watches the skills root and every directory below it
func (w *Watcher) Start(ctx context.Context) error {
	root := w.rt.discovery.Root()
	watched := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err == nil {
			watched++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to watch skills root")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	logger.G(ctx).WithField("root", root).WithField("watched", watched).Info("skill watcher started")
	return nil
}

// Stop shuts the watcher down and drops pending reloads. A reload already
// running is allowed to finish before Stop returns.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	for dir, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, dir)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.G(ctx).WithError(err).Warn("skill watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}

	dir, ok := w.bundleDir(event.Name)
	if !ok {
		return
	}
	w.schedule(ctx, dir)
}

// bundleDir maps a path below the root to its top-level bundle directory
func (w *Watcher) bundleDir(path string) (string, bool) {
	root := w.rt.discovery.Root()
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	if strings.HasPrefix(first, ".") {
		return "", false
	}
	return filepath.Join(root, first), true
}

func (w *Watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[dir]; ok && t.Stop() {
		w.wg.Done()
	}

	var t *time.Timer
	w.wg.Add(1)
	t = time.AfterFunc(w.delay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[dir] == t {
			delete(w.timers, dir)
		}
		w.mu.Unlock()
		w.apply(ctx, dir)
	})
	w.timers[dir] = t
}

// apply brings the runtime in line with one changed bundle directory
func (w *Watcher) apply(ctx context.Context, dir string) {
	if ctx.Err() != nil {
		return
	}
	log := logger.G(ctx).WithField("path", dir)

	name := w.loadedNameFor(dir)
	if name == "" {
		if !w.rt.cfg.Preload || !HasManifest(dir) {
			return
		}
		if _, err := w.rt.Load(ctx, dir); err != nil {
			log.WithError(err).Warn("failed to load new skill")
		}
		return
	}

	if !HasManifest(dir) {
		w.rt.Unload(ctx, name)
		log.WithField("skill", name).Info("skill removed from disk, unloaded")
		return
	}

	if _, err := w.rt.Reload(ctx, name); err != nil {
		log.WithError(err).WithField("skill", name).Warn("skill changed but failed to reload")
		return
	}
	w.rt.enforceMemoryLimit(ctx, name)
}

func (w *Watcher) loadedNameFor(dir string) string {
	for _, s := range w.rt.Skills() {
		if s.Path == dir {
			return s.Name
		}
	}
	return ""
}
