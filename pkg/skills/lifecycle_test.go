package skills

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScript = `skill_command({ name: "echo", cache_ttl: 60 }, function (args) { return "v1:" + args.text; });`

func TestLifecycleLoad(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	dir := writeBundle(t, f.root, "echo", manifestFor("echo", "version: 1.0.0"), map[string]string{"scripts/echo.js": echoScript})
	ctx := context.Background()

	skill, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "echo", skill.Name)
	assert.Equal(t, "1.0.0", skill.Manifest.Version)
	assert.Equal(t, ExecutionInProcess, skill.ExecutionMode)
	assert.Equal(t, []string{"echo"}, skill.CommandNames())
	assert.False(t, skill.Mtime.IsZero())

	assert.Same(t, skill, f.registry.GetSkill("echo"))
	assert.Same(t, skill.Commands["echo"], f.registry.GetCommand("echo", "echo"))
	mtime, ok := f.registry.GetMtime("echo")
	require.True(t, ok)
	assert.Equal(t, skill.Mtime, mtime)
	_, touched := f.memory.LastAccess("echo")
	assert.True(t, touched)

	out, err := skill.Commands["echo"].Invoke(ctx, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "v1:hi", out)

	t.Run("loading again returns the registered skill", func(t *testing.T) {
		again, err := f.lifecycle.Load(ctx, dir)
		require.NoError(t, err)
		assert.Same(t, skill, again)
	})

	batches := f.flush(t)
	require.Len(t, batches, 1)
	assert.Equal(t, map[string]ChangeType{"echo": ChangeLoad}, batches[0])
}

func TestLifecycleLoadFailures(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	ctx := context.Background()

	missing := filepath.Join(f.root, "missing")
	require.NoError(t, os.MkdirAll(missing, 0o755))
	_, err := f.lifecycle.Load(ctx, missing)
	assert.True(t, IsKind(err, KindManifestMissing))

	broken := writeBundle(t, f.root, "broken", manifestFor("broken"), map[string]string{"scripts/a.js": "function ( {"})
	_, err = f.lifecycle.Load(ctx, broken)
	assert.True(t, IsKind(err, KindModuleLoadError))

	assert.Zero(t, f.registry.Len(), "failed bundles never enter the registry")
	assert.Empty(t, f.flush(t))
}

func TestLifecycleLoadWithoutCommands(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	dir := writeBundle(t, f.root, "docs", manifestFor("docs"), nil)

	skill, err := f.lifecycle.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, skill.Commands)
	assert.NotNil(t, f.registry.GetSkill("docs"))
}

func TestLifecycleUnload(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f := newLifecycleFixture(t, map[ExecutionMode]ModuleOpener{ExecutionInProcess: opener})
	dir := writeBundle(t, f.root, "git", manifestFor("git"), nil)
	ctx := context.Background()

	_, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)
	f.flush(t)

	assert.True(t, f.lifecycle.Unload(ctx, "git"))
	assert.Nil(t, f.registry.GetSkill("git"))
	assert.Nil(t, f.registry.GetCommand("git", "status"))
	_, ok := f.registry.GetMtime("git")
	assert.False(t, ok)
	_, ok = f.memory.LastAccess("git")
	assert.False(t, ok)
	assert.Equal(t, int64(1), opener.closes.Load(), "the module handle is released")

	assert.False(t, f.lifecycle.Unload(ctx, "git"))

	batches := f.flush(t)
	require.Len(t, batches, 2)
	assert.Equal(t, map[string]ChangeType{"git": ChangeUnload}, batches[1])
}

func TestLifecycleReloadKeepsOriginalOnSyntaxError(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	dir := writeBundle(t, f.root, "foo", manifestFor("foo"), map[string]string{"scripts/echo.js": echoScript})
	ctx := context.Background()

	original, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)
	f.flush(t)

	script := filepath.Join(dir, "scripts", "echo.js")
	require.NoError(t, os.WriteFile(script, []byte("skill_command({ name: 'echo' }, function ( {"), 0o644))

	ok, err := f.lifecycle.Reload(ctx, "foo")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSyntaxInvalid))

	assert.Same(t, original, f.registry.GetSkill("foo"))
	out, err := original.Commands["echo"].Invoke(ctx, map[string]any{"text": "still"})
	require.NoError(t, err, "the original commands stay callable")
	assert.Equal(t, "v1:still", out)
	assert.Same(t, original.Commands["echo"], f.registry.GetCommand("foo", "echo"))

	assert.Empty(t, f.flush(t)[1:], "a failed reload sends no notification")
}

func TestLifecycleReloadKeepsOriginalOnOpenFailure(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f := newLifecycleFixture(t, map[ExecutionMode]ModuleOpener{ExecutionInProcess: opener})
	dir := writeBundle(t, f.root, "git", manifestFor("git"), nil)
	ctx := context.Background()

	original, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)

	opener.failOpen.Store(true)
	ok, err := f.lifecycle.Reload(ctx, "git")
	assert.False(t, ok)
	assert.True(t, IsKind(err, KindModuleLoadError))
	assert.Same(t, original, f.registry.GetSkill("git"))
	assert.Zero(t, opener.closes.Load())
}

func TestLifecycleReloadSwapsSkill(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	dir := writeBundle(t, f.root, "foo", manifestFor("foo"), map[string]string{"scripts/echo.js": echoScript})
	ctx := context.Background()

	original, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)
	f.flush(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "echo.js"), []byte(
		`skill_command({ name: "echo" }, function (args) { return "v2:" + args.text; });
skill_command({ name: "extra" }, function () { return "new"; });`), 0o644))

	ok, err := f.lifecycle.Reload(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, ok)

	fresh := f.registry.GetSkill("foo")
	require.NotNil(t, fresh)
	assert.NotSame(t, original, fresh)
	assert.Equal(t, []string{"echo", "extra"}, fresh.CommandNames())

	out, err := f.registry.GetCommand("foo", "echo").Invoke(ctx, map[string]any{"text": "x"})
	require.NoError(t, err)
	assert.Equal(t, "v2:x", out)

	_, err = original.Commands["echo"].Invoke(ctx, nil)
	assert.Error(t, err, "the old module is released after the swap")

	batches := f.flush(t)
	require.Len(t, batches, 2)
	assert.Equal(t, map[string]ChangeType{"foo": ChangeReload}, batches[1], "exactly one reload notification")

	ok, err = f.lifecycle.Reload(ctx, "unknown")
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestLifecycleReloadRejectsRename(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	dir := writeBundle(t, f.root, "foo", manifestFor("foo"), map[string]string{"scripts/echo.js": echoScript})
	ctx := context.Background()

	original, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)
	f.flush(t)

	require.NoError(t, os.WriteFile(ManifestPath(dir), []byte(manifestFor("bar")), 0o644))

	ok, err := f.lifecycle.Reload(ctx, "foo")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindModuleLoadError))
	assert.Contains(t, err.Error(), "bar")

	assert.Same(t, original, f.registry.GetSkill("foo"))
	assert.Nil(t, f.registry.GetSkill("bar"))
	out, err := original.Commands["echo"].Invoke(ctx, map[string]any{"text": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "v1:kept", out)

	assert.Empty(t, f.flush(t)[1:], "a rejected rename sends no notification")
}

func TestLifecycleEnsureFresh(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f := newLifecycleFixture(t, map[ExecutionMode]ModuleOpener{ExecutionInProcess: opener})
	dir := writeBundle(t, f.root, "git", manifestFor("git"), map[string]string{"scripts/git.js": "// source"})
	ctx := context.Background()

	loaded, err := f.lifecycle.Load(ctx, dir)
	require.NoError(t, err)

	assert.Same(t, loaded, f.lifecycle.EnsureFresh(ctx, "git"), "unchanged sources keep the skill")
	assert.Equal(t, int64(1), opener.opens.Load())

	touchLater(t, filepath.Join(dir, "scripts", "git.js"), time.Minute)
	fresh := f.lifecycle.EnsureFresh(ctx, "git")
	require.NotNil(t, fresh)
	assert.NotSame(t, loaded, fresh)
	assert.True(t, fresh.Mtime.After(loaded.Mtime))
	assert.Equal(t, int64(2), opener.opens.Load())

	t.Run("broken edit keeps serving the loaded skill", func(t *testing.T) {
		opener.failValid.Store(true)
		touchLater(t, filepath.Join(dir, "scripts", "git.js"), time.Minute)

		assert.Same(t, fresh, f.lifecycle.EnsureFresh(ctx, "git"))
		assert.Same(t, fresh, f.lifecycle.EnsureFresh(ctx, "git"))
		assert.Equal(t, int64(2), opener.opens.Load())
	})

	assert.Nil(t, f.lifecycle.EnsureFresh(ctx, "unknown"))
}

func TestLifecycleSerializesSameSkill(t *testing.T) {
	opener := &countingOpener{configs: []CommandConfig{{Name: "status"}}}
	f := newLifecycleFixture(t, map[ExecutionMode]ModuleOpener{ExecutionInProcess: opener})
	dir := writeBundle(t, f.root, "git", manifestFor("git"), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	skills := make([]*Skill, 8)
	for i := range skills {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.lifecycle.Load(ctx, dir)
			assert.NoError(t, err)
			skills[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), opener.opens.Load(), "concurrent loads of one skill build it once")
	for _, s := range skills {
		assert.Same(t, skills[0], s)
	}

	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.lifecycle.Reload(ctx, "git")
		}()
		go func() {
			defer wg.Done()
			_ = f.lifecycle.EnsureFresh(ctx, "git")
		}()
	}
	wg.Wait()

	current := f.registry.GetSkill("git")
	require.NotNil(t, current)
	assert.Equal(t, opener.opens.Load()-1, opener.closes.Load(), "every replaced module is released exactly once")
}

func TestLifecycleValidate(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	good := writeBundle(t, f.root, "good", manifestFor("good"), map[string]string{"scripts/a.js": echoScript})
	bad := writeBundle(t, f.root, "bad", manifestFor("bad"), map[string]string{"scripts/a.js": "function ( {"})

	assert.NoError(t, f.lifecycle.Validate(context.Background(), good))
	assert.True(t, IsKind(f.lifecycle.Validate(context.Background(), bad), KindSyntaxInvalid))
	assert.True(t, IsKind(f.lifecycle.Validate(context.Background(), filepath.Join(f.root, "none")), KindManifestMissing))
	assert.Zero(t, f.registry.Len())
}

func TestKeyedMutexForgetsIdleKeys(t *testing.T) {
	k := keyedMutex{locks: make(map[string]*keyedLock)}
	unlock := k.lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
