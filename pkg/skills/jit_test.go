package skills

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLocator struct {
	dirs []string
	err  error
}

func (l staticLocator) Locate(context.Context, string) ([]string, error) {
	return l.dirs, l.err
}

func newJITFixture(t *testing.T, opener *countingOpener) (*lifecycleFixture, *Discovery) {
	t.Helper()
	f := newLifecycleFixture(t, map[ExecutionMode]ModuleOpener{ExecutionInProcess: opener})
	d, err := NewDiscovery(WithSkillsRoot(f.root))
	require.NoError(t, err)
	return f, d
}

func TestJITLoaderNamingConvention(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f, d := newJITFixture(t, opener)
	writeBundle(t, f.root, "git-tools", manifestFor("git_tools"), nil)

	jit := NewJITLoader(d, nil, f.lifecycle, f.registry)
	ctx := context.Background()

	assert.True(t, jit.TryLoad(ctx, "git_tools"))
	assert.NotNil(t, f.registry.GetSkill("git_tools"))
	assert.True(t, jit.TryLoad(ctx, "git_tools"), "already loaded")
	assert.Equal(t, int64(1), opener.opens.Load())

	assert.False(t, jit.TryLoad(ctx, "missing"))
	assert.False(t, jit.TryLoad(ctx, "../etc"))
}

func TestJITLoaderFallsBackToIndex(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "scan"}}}
	f, d := newJITFixture(t, opener)
	writeBundle(t, f.root, "vendor", manifestFor("network"), nil)
	writeIndex(t, d.IndexFile(),
		IndexEntry{Name: "other", Path: "elsewhere"},
		IndexEntry{Name: "network", Path: "vendor/scripts/scan.js"},
	)

	jit := NewJITLoader(d, d, f.lifecycle, f.registry)
	assert.True(t, jit.TryLoad(context.Background(), "network"))
	require.NotNil(t, f.registry.GetSkill("network"))
	assert.Equal(t, "scan", f.registry.GetSkill("network").CommandNames()[0])
}

func TestJITLoaderLocatorFailures(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "scan"}}}
	f, d := newJITFixture(t, opener)
	other := writeBundle(t, f.root, "other", manifestFor("other"), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		locator Locator
	}{
		{name: "locator error", locator: staticLocator{err: errors.New("index unreadable")}},
		{name: "no candidates", locator: staticLocator{}},
		{name: "candidate without manifest", locator: staticLocator{dirs: []string{t.TempDir()}}},
		{name: "candidate names another skill", locator: staticLocator{dirs: []string{other}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jit := NewJITLoader(d, tt.locator, f.lifecycle, f.registry)
			assert.False(t, jit.TryLoad(ctx, "network"))
			assert.Nil(t, f.registry.GetSkill("network"))
		})
	}
}

func TestJITLoaderSharesConcurrentLoads(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f, d := newJITFixture(t, opener)
	writeBundle(t, f.root, "git", manifestFor("git"), nil)
	jit := NewJITLoader(d, nil, f.lifecycle, f.registry)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, jit.TryLoad(context.Background(), "git"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), opener.opens.Load())
}
