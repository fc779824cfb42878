package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeBundle creates <root>/<dir> with a SKILL.md and the given files,
// which are relative to the bundle directory
func writeBundle(t *testing.T, root, dir, manifest string, files map[string]string) string {
	t.Helper()
	bundle := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	if manifest != "" {
		require.NoError(t, os.WriteFile(ManifestPath(bundle), []byte(manifest), 0o644))
	}
	for name, content := range files {
		path := filepath.Join(bundle, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		mode := os.FileMode(0o644)
		if strings.HasPrefix(content, "#!") {
			mode = 0o755
		}
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}
	return bundle
}

func manifestFor(name string, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "name: %s\n", name)
	fmt.Fprintf(&sb, "description: The %s skill\n", name)
	for _, line := range extra {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# %s\n\nUsage notes for %s.\n", name, name)
	return sb.String()
}

// touchLater pushes the mtime of path forward so freshness checks see a change
// regardless of filesystem timestamp granularity
func touchLater(t *testing.T, path string, by time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	later := info.ModTime().Add(by)
	require.NoError(t, os.Chtimes(path, later, later))
}

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingOpener builds Go-backed modules. Every command increments a counter
// shared across reloads, so tests can observe real invocations.
type countingOpener struct {
	configs   []CommandConfig
	calls     atomic.Int64
	opens     atomic.Int64
	closes    atomic.Int64
	failOpen  atomic.Bool
	failValid atomic.Bool
	run       func(ctx context.Context, name string, args map[string]any) (string, error)
}

func (o *countingOpener) Validate(_ context.Context, bundle Bundle) error {
	if o.failValid.Load() {
		return newError(KindSyntaxInvalid, bundle.Name, "broken source", nil)
	}
	return nil
}

func (o *countingOpener) Open(_ context.Context, bundle Bundle) (Module, error) {
	if o.failOpen.Load() {
		return nil, newError(KindModuleLoadError, bundle.Name, "cannot open", nil)
	}
	o.opens.Add(1)
	var commands []*Command
	for _, cfg := range o.configs {
		name := cfg.Name
		cmd, err := NewCommand(bundle.Name, cfg, func(ctx context.Context, args map[string]any) (string, error) {
			n := o.calls.Add(1)
			if o.run != nil {
				return o.run(ctx, name, args)
			}
			return fmt.Sprintf("%s#%d", name, n), nil
		})
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return NewStaticModule(commands, func() error {
		o.closes.Add(1)
		return nil
	}), nil
}

type changeRecorder struct {
	mu      sync.Mutex
	batches []map[string]ChangeType
}

func (r *changeRecorder) callback(_ context.Context, batch map[string]ChangeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *changeRecorder) all() []map[string]ChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]ChangeType, len(r.batches))
	copy(out, r.batches)
	return out
}

// lifecycleFixture wires a lifecycle over a temporary skills root
type lifecycleFixture struct {
	root      string
	registry  *Registry
	memory    *MemoryManager
	notifier  *Notifier
	lifecycle *Lifecycle
	changes   *changeRecorder
}

func newLifecycleFixture(t *testing.T, openers map[ExecutionMode]ModuleOpener) *lifecycleFixture {
	t.Helper()
	if openers == nil {
		openers = map[ExecutionMode]ModuleOpener{
			ExecutionInProcess:  ScriptOpener{},
			ExecutionSubprocess: SubprocessOpener{},
		}
	}
	f := &lifecycleFixture{
		root:     t.TempDir(),
		registry: NewRegistry(),
		memory:   NewMemoryManager(0, 0),
		notifier: NewNotifier(10 * time.Millisecond),
		changes:  &changeRecorder{},
	}
	f.lifecycle = NewLifecycle(f.registry, f.memory, f.notifier, openers)
	f.notifier.Subscribe("test", f.changes.callback)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.notifier.Close(ctx)
	})
	return f
}

func (f *lifecycleFixture) flush(t *testing.T) []map[string]ChangeType {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.notifier.Flush(ctx))
	return f.changes.all()
}
