package invocations

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRecordAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	invs := []skills.Invocation{
		{Skill: "git", Command: "status", Args: map[string]any{"path": "/repo"}, Result: "clean", Attempts: 1, StartedAt: base, Duration: 120 * time.Millisecond},
		{Skill: "git", Command: "status", Args: map[string]any{"path": "/repo"}, Result: "clean", Cached: true, StartedAt: base.Add(time.Minute)},
		{Skill: "git", Command: "push", Err: errors.New("CommandExecutionFailed [git.push]: rejected"), Attempts: 3, StartedAt: base.Add(2 * time.Minute), Duration: 300 * time.Millisecond},
		{Skill: "docker", Command: "ps", Result: strings.Repeat("x", 3000), Attempts: 1, StartedAt: base.Add(3 * time.Minute), Duration: 40 * time.Millisecond},
	}
	for _, inv := range invs {
		require.NoError(t, s.Record(ctx, inv))
	}

	all, err := s.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "docker", all[0].Skill, "newest first")
	assert.Len(t, all[0].ResultPreview, previewLimit)
	assert.Equal(t, 3000, all[0].ResultSize)
	assert.NotEmpty(t, all[0].ID)
	assert.NotEqual(t, all[0].ID, all[1].ID)

	status, err := s.Query(ctx, QueryOptions{Skill: "git", Command: "status"})
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, map[string]any{"path": "/repo"}, status[1].Args)
	assert.Equal(t, 120*time.Millisecond, status[1].Duration)
	assert.True(t, status[1].StartedAt.Equal(base))
	assert.True(t, status[0].Cached)

	failed, err := s.Query(ctx, QueryOptions{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "push", failed[0].Command)
	assert.Contains(t, failed[0].Error, "rejected")
	assert.Equal(t, 3, failed[0].Attempts)

	limited, err := s.Query(ctx, QueryOptions{Limit: 1, Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "docker", limited[0].Skill)
}

func TestStoreStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	record := func(cmd string, cached bool, err error, d time.Duration) {
		require.NoError(t, s.Record(ctx, skills.Invocation{
			Skill: "git", Command: cmd, Cached: cached, Err: err, Attempts: 1, StartedAt: now, Duration: d,
		}))
	}
	record("status", false, nil, 100*time.Millisecond)
	record("status", false, nil, 300*time.Millisecond)
	record("status", true, nil, 0)
	record("push", false, errors.New("rejected"), 50*time.Millisecond)
	require.NoError(t, s.Record(ctx, skills.Invocation{Skill: "docker", Command: "ps", StartedAt: now}))

	stats, err := s.Stats(ctx, "git")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, CommandStats{
		Skill: "git", Command: "status", Calls: 3, CacheHits: 1, AvgDuration: 200 * time.Millisecond,
	}, stats[0])
	assert.Equal(t, "push", stats[1].Command)
	assert.Equal(t, 1, stats[1].Failures)

	all, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStorePrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, s.Record(ctx, skills.Invocation{Skill: "git", Command: "status", StartedAt: old}))
	require.NoError(t, s.Record(ctx, skills.Invocation{Skill: "git", Command: "status", StartedAt: time.Now()}))

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestStoreAsExecutorRecorder(t *testing.T) {
	s := newTestStore(t)
	var rec skills.Recorder = s
	require.NoError(t, rec.Record(context.Background(), skills.Invocation{Skill: "git", Command: "help", StartedAt: time.Now()}))

	got, err := s.Query(context.Background(), QueryOptions{Skill: "git"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Args)
}
