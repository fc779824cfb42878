package skills

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

// Runtime owns every component of the skill runtime. It is created once at
// startup and torn down with Close.
type Runtime struct {
	cfg       Config
	registry  *Registry
	discovery *Discovery
	memory    *MemoryManager
	cache     *ResultCache
	notifier  *Notifier
	lifecycle *Lifecycle
	jit       *JITLoader
	executor  *Executor
	startedAt time.Time

	mu      sync.Mutex
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

type runtimeOptions struct {
	openers  map[ExecutionMode]ModuleOpener
	recorder Recorder
	locator  Locator
	now      func() time.Time
}

// RuntimeOption configures a Runtime
type RuntimeOption func(*runtimeOptions)

// WithOpener replaces the module opener of an execution mode
func WithOpener(mode ExecutionMode, opener ModuleOpener) RuntimeOption {
	return func(o *runtimeOptions) { o.openers[mode] = opener }
}

// WithInvocationRecorder records every executed command
func WithInvocationRecorder(r Recorder) RuntimeOption {
	return func(o *runtimeOptions) { o.recorder = r }
}

// WithLocator replaces the index lookup used by JIT loading
func WithLocator(l Locator) RuntimeOption {
	return func(o *runtimeOptions) { o.locator = l }
}

// WithClock replaces the time source of the memory manager and result cache
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOptions) { o.now = now }
}

// NewRuntime wires the runtime components for cfg. Nothing is loaded until
// Boot or the first Run.
func NewRuntime(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	o := &runtimeOptions{
		openers: map[ExecutionMode]ModuleOpener{
			ExecutionInProcess:  ScriptOpener{},
			ExecutionSubprocess: SubprocessOpener{Timeout: cfg.SubprocessTimeout},
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	discovery, err := NewDiscovery(WithSkillsRoot(cfg.Dir), WithIndexFile(cfg.IndexFile))
	if err != nil {
		return nil, err
	}

	memory := NewMemoryManager(cfg.TTL, cfg.MaxLoaded)
	if err := memory.Pin(cfg.Pinned...); err != nil {
		return nil, err
	}

	cache, err := NewResultCache(cfg.ResultCacheSize)
	if err != nil {
		return nil, err
	}
	if o.now != nil {
		memory.SetClock(o.now)
		cache.SetClock(o.now)
	}

	rt := &Runtime{
		cfg:       cfg,
		registry:  NewRegistry(),
		discovery: discovery,
		memory:    memory,
		cache:     cache,
		notifier:  NewNotifier(cfg.Debounce),
		startedAt: time.Now(),
	}
	rt.lifecycle = NewLifecycle(rt.registry, rt.memory, rt.notifier, o.openers)

	locator := o.locator
	if locator == nil {
		locator = discovery
	}
	rt.jit = NewJITLoader(discovery, locator, rt.lifecycle, rt.registry)

	execOpts := []ExecutorOption{WithAfterLoad(func(ctx context.Context, name string) { rt.enforceMemoryLimit(ctx, name) })}
	if o.recorder != nil {
		execOpts = append(execOpts, WithRecorder(o.recorder))
	}
	rt.executor = NewExecutor(rt.registry, rt.lifecycle, rt.memory, rt.cache, rt.jit, execOpts...)

	return rt, nil
}

// Config returns the runtime configuration
func (rt *Runtime) Config() Config { return rt.cfg }

// Discovery returns the bundle discovery of the runtime
func (rt *Runtime) Discovery() *Discovery { return rt.discovery }

// Memory returns the memory manager of the runtime
func (rt *Runtime) Memory() *MemoryManager { return rt.memory }

// ResultCache returns the result cache of the runtime
func (rt *Runtime) ResultCache() *ResultCache { return rt.cache }

// Boot loads the configured skills: everything in the index (or the skills
// root) when preloading, plus every pinned skill, then enforces the memory
// limit. Bundles that fail to load are logged and skipped.
func (rt *Runtime) Boot(ctx context.Context) error {
	log := logger.G(ctx).WithField("root", rt.discovery.Root())

	if rt.cfg.Preload {
		loaded, err := rt.discovery.LoadFromIndex(ctx, rt.lifecycle.Load)
		if err != nil {
			var merr *multierror.Error
			if !errors.As(err, &merr) {
				return errors.Wrap(err, "failed to boot skill runtime")
			}
			log.WithError(err).Warn("some skills failed to load")
		}
		log.WithField("skills", len(loaded)).Info("skills loaded")
	}

	for _, name := range rt.memory.PinnedNames() {
		if !rt.jit.TryLoad(ctx, name) {
			log.WithField("skill", name).Warn("pinned skill not found")
		}
	}

	rt.EnforceMemoryLimit(ctx)
	return nil
}

// Start runs the periodic memory sweep and, when configured, the source
// watcher. Both stop on Close or when ctx is done.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return errors.New("skill runtime is closed")
	}
	if rt.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.done = make(chan struct{})
	go rt.sweep(ctx, rt.done)

	if rt.cfg.Watch {
		w, err := NewWatcher(rt)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		rt.watcher = w
	}
	return nil
}

func (rt *Runtime) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	if rt.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(rt.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.EnforceMemoryLimit(ctx)
		}
	}
}

// EnforceMemoryLimit evicts idle and least recently used skills and
// returns how many were unloaded
func (rt *Runtime) EnforceMemoryLimit(ctx context.Context) int {
	return rt.enforceMemoryLimit(ctx)
}

// enforceMemoryLimit never evicts keep, the skill a caller just asked for
func (rt *Runtime) enforceMemoryLimit(ctx context.Context, keep ...string) int {
	return rt.memory.EnforceMemoryLimit(ctx, rt.registry.SkillNames(), rt.lifecycle.Unload, keep...)
}

// Run executes a skill command
func (rt *Runtime) Run(ctx context.Context, skill, command string, args map[string]any) (string, error) {
	return rt.executor.Run(ctx, skill, command, args)
}

// Load loads the bundle at path
func (rt *Runtime) Load(ctx context.Context, path string) (*Skill, error) {
	skill, err := rt.lifecycle.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	rt.enforceMemoryLimit(ctx, skill.Name)
	return skill, nil
}

// LoadByName loads a skill by name through the JIT strategies
func (rt *Runtime) LoadByName(ctx context.Context, name string) (*Skill, error) {
	if !rt.jit.TryLoad(ctx, name) {
		return nil, &Error{Kind: KindSkillNotFound, Skill: name, Message: "skill not found"}
	}
	rt.enforceMemoryLimit(ctx, name)
	if skill := rt.registry.GetSkill(name); skill != nil {
		return skill, nil
	}
	return nil, &Error{Kind: KindSkillNotFound, Skill: name, Message: "skill not found"}
}

// Unload unloads a skill
func (rt *Runtime) Unload(ctx context.Context, name string) bool {
	return rt.lifecycle.Unload(ctx, name)
}

// Reload reloads a loaded skill from disk
func (rt *Runtime) Reload(ctx context.Context, name string) (bool, error) {
	return rt.lifecycle.Reload(ctx, name)
}

// Validate checks a bundle without loading it
func (rt *Runtime) Validate(ctx context.Context, path string) error {
	return rt.lifecycle.Validate(ctx, path)
}

// Subscribe registers a change callback under id
func (rt *Runtime) Subscribe(id string, cb Callback) bool {
	return rt.notifier.Subscribe(id, cb)
}

// Unsubscribe removes a change callback
func (rt *Runtime) Unsubscribe(id string) {
	rt.notifier.Unsubscribe(id)
}

// FlushChanges delivers pending change notifications without waiting for
// the debounce window
func (rt *Runtime) FlushChanges(ctx context.Context) error {
	return rt.notifier.Flush(ctx)
}

// Skill returns a loaded skill, or nil
func (rt *Runtime) Skill(name string) *Skill {
	return rt.registry.GetSkill(name)
}

// Skills returns the loaded skills sorted by name
func (rt *Runtime) Skills() []*Skill {
	names := rt.registry.SkillNames()
	skills := make([]*Skill, 0, len(names))
	for _, name := range names {
		if s := rt.registry.GetSkill(name); s != nil {
			skills = append(skills, s)
		}
	}
	return skills
}

// BuildIndex describes every bundle under the skills root
func (rt *Runtime) BuildIndex(ctx context.Context) (*Index, error) {
	return rt.discovery.BuildIndex(ctx, rt.lifecycle.Build)
}

// WriteIndex rebuilds the index file. Bundles that fail to inspect are
// still written and their errors returned.
func (rt *Runtime) WriteIndex(ctx context.Context) (*Index, error) {
	idx, buildErr := rt.BuildIndex(ctx)
	if idx == nil {
		return nil, buildErr
	}
	if err := rt.discovery.WriteIndex(idx); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("index", rt.discovery.IndexFile()).WithField("skills", len(idx.Skills)).Info("skill index written")
	return idx, buildErr
}

// Search ranks indexed skills against query. Without a readable index the
// bundles are described from their manifests alone.
func (rt *Runtime) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	idx, err := rt.discovery.ReadIndex()
	if err != nil {
		logger.G(ctx).WithError(err).Debug("no skill index, searching manifests")
		idx, err = rt.discovery.BuildIndex(ctx, nil)
		if idx == nil {
			return nil, err
		}
	}
	kw := NewKeywordIndex()
	kw.Build(idx.Skills)
	return kw.Search(query, limit), nil
}

// SkillStatus describes one loaded skill
type SkillStatus struct {
	Name          string        `json:"name"`
	Version       string        `json:"version,omitempty"`
	Path          string        `json:"path"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	Commands      []string      `json:"commands"`
	LoadedAt      time.Time     `json:"loaded_at"`
	LastAccess    time.Time     `json:"last_access"`
	Pinned        bool          `json:"pinned"`
}

// Status is a point-in-time view of the runtime
type Status struct {
	Root               string        `json:"root"`
	Loaded             []SkillStatus `json:"loaded"`
	ResultCacheEntries int           `json:"result_cache_entries"`
	PendingChanges     int           `json:"pending_changes"`
	InFlightCallbacks  int           `json:"in_flight_callbacks"`
	RSSBytes           uint64        `json:"rss_bytes,omitempty"`
	Uptime             time.Duration `json:"uptime"`
}

// Status returns a snapshot of the loaded skills and runtime counters
func (rt *Runtime) Status() Status {
	st := Status{
		Root:               rt.discovery.Root(),
		ResultCacheEntries: rt.cache.Len(),
		PendingChanges:     rt.notifier.Pending(),
		InFlightCallbacks:  rt.notifier.InFlight(),
		RSSBytes:           processRSS(),
		Uptime:             time.Since(rt.startedAt),
	}
	for _, s := range rt.Skills() {
		last, _ := rt.memory.LastAccess(s.Name)
		st.Loaded = append(st.Loaded, SkillStatus{
			Name:          s.Name,
			Version:       s.Manifest.Version,
			Path:          s.Path,
			ExecutionMode: s.ExecutionMode,
			Commands:      s.CommandNames(),
			LoadedAt:      s.LoadedAt,
			LastAccess:    last,
			Pinned:        rt.memory.IsPinned(s.Name),
		})
	}
	sort.Slice(st.Loaded, func(i, j int) bool { return st.Loaded[i].Name < st.Loaded[j].Name })
	return st
}

func processRSS() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// Close stops background work, unloads every skill and delivers the final
// change notifications. It waits for in-flight callbacks until ctx is done.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	cancel, done, watcher := rt.cancel, rt.done, rt.watcher
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if watcher != nil {
		watcher.Stop()
	}

	for _, name := range rt.registry.SkillNames() {
		rt.lifecycle.Unload(ctx, name)
	}
	rt.cache.Clear()

	var result *multierror.Error

	if err := rt.notifier.Close(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to drain change notifications"))
	}
	return result.ErrorOrNil()
}
