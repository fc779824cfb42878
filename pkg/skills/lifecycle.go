package skills

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Lifecycle loads, unloads and reloads skill bundles. Structural operations
// on the same skill name are serialized; operations on different skills run
// concurrently.
type Lifecycle struct {
	registry *Registry
	memory   *MemoryManager
	notifier *Notifier
	openers  map[ExecutionMode]ModuleOpener
	locks    keyedMutex
	now      func() time.Time

	failedMu sync.Mutex
	failed   map[string]time.Time
}

// NewLifecycle creates a lifecycle manager. openers maps each execution mode
// to the opener that builds its modules.
func NewLifecycle(registry *Registry, memory *MemoryManager, notifier *Notifier, openers map[ExecutionMode]ModuleOpener) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		memory:   memory,
		notifier: notifier,
		openers:  openers,
		locks:    keyedMutex{locks: make(map[string]*keyedLock)},
		now:      time.Now,
		failed:   make(map[string]time.Time),
	}
}

func (l *Lifecycle) opener(skill string, mode ExecutionMode) (ModuleOpener, error) {
	o, ok := l.openers[mode]
	if !ok {
		return nil, newError(KindModuleLoadError, skill, "no loader for execution mode "+string(mode), nil)
	}
	return o, nil
}

// Build constructs a skill from a bundle directory without registering it.
// The caller owns the returned skill's module.
func (l *Lifecycle) Build(ctx context.Context, dir string) (*Skill, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}
	return l.build(ctx, dir, manifest)
}

func (l *Lifecycle) build(ctx context.Context, dir string, manifest *Manifest) (*Skill, error) {
	mtime, err := SourceMtime(dir)
	if err != nil {
		return nil, newError(KindModuleLoadError, manifest.Name, "", err)
	}

	opener, err := l.opener(manifest.Name, manifest.ExecutionMode)
	if err != nil {
		return nil, err
	}

	module, err := opener.Open(ctx, Bundle{Name: manifest.Name, Dir: dir, Manifest: manifest})
	if err != nil {
		if KindOf(err) == "" {
			err = newError(KindModuleLoadError, manifest.Name, "", err)
		}
		return nil, err
	}

	commands := make(map[string]*Command)
	for _, cmd := range module.Commands() {
		cmd.Skill = manifest.Name
		commands[cmd.Name] = cmd
	}

	return &Skill{
		Name:          manifest.Name,
		Manifest:      *manifest,
		Commands:      commands,
		Path:          dir,
		Mtime:         mtime,
		ExecutionMode: manifest.ExecutionMode,
		LoadedAt:      l.now(),
		module:        module,
	}, nil
}

// Load loads the bundle at path and registers it. Loading a skill that is
// already registered returns the registered skill.
func (l *Lifecycle) Load(ctx context.Context, path string) (skill *Skill, err error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve bundle path")
	}

	manifest, err := ParseManifest(dir)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("path", dir).Warn("failed to load skill")
		return nil, err
	}

	ctx, span := telemetry.Tracer("skills").Start(ctx, "skills.load")
	span.SetAttributes(attribute.String("skill.name", manifest.Name), attribute.String("skill.path", dir))
	defer func() { telemetry.EndSpan(span, err) }()

	unlock := l.locks.lock(manifest.Name)
	defer unlock()

	if existing := l.registry.GetSkill(manifest.Name); existing != nil {
		return existing, nil
	}

	skill, err = l.build(ctx, dir, manifest)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("path", dir).Warn("failed to load skill")
		return nil, err
	}

	log := logger.G(ctx).WithField("skill", skill.Name)
	if len(skill.Commands) == 0 {
		log.Info("skill loaded without commands")
	}

	l.registry.swap(skill)
	l.memory.Touch(skill.Name)
	l.notifier.NotifyChange(skill.Name, ChangeLoad)

	log.WithField("commands", len(skill.Commands)).Debug("skill loaded")
	return skill, nil
}

// Unload releases a skill's module and removes it from the registry. It
// returns false if the skill was not loaded.
func (l *Lifecycle) Unload(ctx context.Context, name string) bool {
	unlock := l.locks.lock(name)
	defer unlock()

	if !l.unloadLocked(ctx, name) {
		return false
	}
	l.notifier.NotifyChange(name, ChangeUnload)
	logger.G(ctx).WithField("skill", name).Debug("skill unloaded")
	return true
}

func (l *Lifecycle) unloadLocked(ctx context.Context, name string) bool {
	skill := l.registry.GetSkill(name)
	if skill == nil {
		return false
	}

	if skill.module != nil {
		if err := skill.module.Close(); err != nil {
			logger.G(ctx).WithError(err).WithField("skill", name).Warn("failed to release skill module")
		}
	}

	l.registry.UnregisterSkill(name)
	l.registry.UnregisterCommands(name)
	l.registry.ClearMtime(name)
	l.memory.Forget(name)
	l.clearFailed(name)
	return true
}

// Validate checks a bundle's manifest and command sources without loading
func (l *Lifecycle) Validate(ctx context.Context, path string) error {
	dir, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "failed to resolve bundle path")
	}
	manifest, err := ParseManifest(dir)
	if err != nil {
		return err
	}
	opener, err := l.opener(manifest.Name, manifest.ExecutionMode)
	if err != nil {
		return err
	}
	return opener.Validate(ctx, Bundle{Name: manifest.Name, Dir: dir, Manifest: manifest})
}

// Reload replaces a loaded skill with the current on-disk version. The new
// version is validated and built completely before the old one is touched;
// if either step fails the loaded skill stays as it was and the error is
// returned. A manifest that renames the skill is rejected the same way.
// It returns false without error if the skill is not loaded.
func (l *Lifecycle) Reload(ctx context.Context, name string) (reloaded bool, err error) {
	ctx, span := telemetry.Tracer("skills").Start(ctx, "skills.reload")
	span.SetAttributes(attribute.String("skill.name", name))
	defer func() { telemetry.EndSpan(span, err) }()

	unlock := l.locks.lock(name)
	defer unlock()

	old := l.registry.GetSkill(name)
	if old == nil {
		return false, nil
	}
	log := logger.G(ctx).WithField("skill", name)

	if err := l.Validate(ctx, old.Path); err != nil {
		if IsKind(err, KindModuleLoadError) || IsKind(err, KindManifestMissing) {
			err = newError(KindSyntaxInvalid, name, "", err)
		}
		l.markFailed(ctx, old)
		log.WithError(err).Warn("reload aborted, keeping loaded skill")
		return false, err
	}

	manifest, err := ParseManifest(old.Path)
	if err != nil {
		l.markFailed(ctx, old)
		return false, err
	}
	if manifest.Name != name {
		// A loaded skill keeps its name; renaming needs an unload and a fresh load.
		err := newError(KindModuleLoadError, name, "manifest renamed skill to "+manifest.Name, nil)
		l.markFailed(ctx, old)
		log.WithError(err).Warn("reload aborted, keeping loaded skill")
		return false, err
	}
	fresh, err := l.build(ctx, old.Path, manifest)
	if err != nil {
		l.markFailed(ctx, old)
		log.WithError(err).Warn("reload aborted, keeping loaded skill")
		return false, err
	}

	replaced := l.registry.swap(fresh)
	if replaced != nil && replaced.module != nil {
		if err := replaced.module.Close(); err != nil {
			log.WithError(err).Warn("failed to release previous skill module")
		}
	}
	l.memory.Touch(name)
	l.clearFailed(name)
	l.notifier.NotifyChange(name, ChangeReload)

	log.WithField("commands", len(fresh.Commands)).Info("skill reloaded")
	return true, nil
}

// EnsureFresh reloads a loaded skill whose sources changed since it was
// loaded and returns the skill to use. A failed reload is logged and the
// loaded version is returned. It returns nil if the skill is not loaded.
func (l *Lifecycle) EnsureFresh(ctx context.Context, name string) *Skill {
	skill := l.registry.GetSkill(name)
	if skill == nil {
		return nil
	}

	current, err := SourceMtime(skill.Path)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("skill", name).Debug("failed to stat skill sources")
		return skill
	}

	loadedAt, ok := l.registry.GetMtime(name)
	if !ok {
		loadedAt = skill.Mtime
	}
	if !current.After(loadedAt) || l.failedAt(name, current) {
		return skill
	}

	if _, err := l.Reload(ctx, name); err != nil {
		return l.registry.GetSkill(name)
	}
	if fresh := l.registry.GetSkill(name); fresh != nil {
		return fresh
	}
	return nil
}

// markFailed remembers the source mtime of a failed reload so that the
// freshness check does not retry the same broken sources on every call
func (l *Lifecycle) markFailed(ctx context.Context, skill *Skill) {
	current, err := SourceMtime(skill.Path)
	if err != nil {
		return
	}
	l.failedMu.Lock()
	defer l.failedMu.Unlock()
	l.failed[skill.Name] = current
	logger.G(ctx).WithField("skill", skill.Name).Debug("remembering failed reload")
}

func (l *Lifecycle) failedAt(name string, mtime time.Time) bool {
	l.failedMu.Lock()
	defer l.failedMu.Unlock()
	t, ok := l.failed[name]
	return ok && t.Equal(mtime)
}

func (l *Lifecycle) clearFailed(name string) {
	l.failedMu.Lock()
	defer l.failedMu.Unlock()
	delete(l.failed, name)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	kl, ok := k.locks[key]
	if !ok {
		kl = &keyedLock{}
		k.locks[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		k.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
