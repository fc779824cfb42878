package skills

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

// UnloadFunc unloads a skill and reports whether it was loaded
type UnloadFunc func(ctx context.Context, name string) bool

// AccessInfo describes the memory-manager state of one skill
type AccessInfo struct {
	Name       string    `json:"name"`
	LastAccess time.Time `json:"last_access"`
	Pinned     bool      `json:"pinned"`
}

type accessEntry struct {
	at  time.Time
	seq uint64
}

// MemoryManager tracks skill accesses and evicts idle or least recently used
// skills. Pinned skills are never eviction candidates.
type MemoryManager struct {
	mu        sync.Mutex
	access    map[string]accessEntry
	seq       uint64
	pinned    map[string]bool
	patterns  []glob.Glob
	ttl       time.Duration
	maxLoaded int
	now       func() time.Time
}

// NewMemoryManager creates a memory manager. A non-positive ttl disables the
// TTL phase and a non-positive maxLoaded disables the LRU phase.
func NewMemoryManager(ttl time.Duration, maxLoaded int) *MemoryManager {
	return &MemoryManager{
		access:    make(map[string]accessEntry),
		pinned:    make(map[string]bool),
		ttl:       ttl,
		maxLoaded: maxLoaded,
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (m *MemoryManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Pin exempts skills from eviction. Patterns use glob syntax, e.g. "core-*".
func (m *MemoryManager) Pin(patterns ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !hasGlobMeta(p) {
			m.pinned[p] = true
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return errors.Wrapf(err, "invalid pinned pattern %q", p)
		}
		m.patterns = append(m.patterns, g)
	}
	return nil
}

func hasGlobMeta(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// IsPinned reports whether a skill is exempt from eviction
func (m *MemoryManager) IsPinned(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPinnedLocked(name)
}

func (m *MemoryManager) isPinnedLocked(name string) bool {
	if m.pinned[name] {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// PinnedNames returns the literal (non-pattern) pinned skill names
func (m *MemoryManager) PinnedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pinned))
	for name := range m.pinned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Touch records an access and moves the skill to the most recent end
func (m *MemoryManager) Touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.access[name] = accessEntry{at: m.now(), seq: m.seq}
}

// Forget drops the access record of a skill
func (m *MemoryManager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, name)
}

// LastAccess returns the last access time of a skill
func (m *MemoryManager) LastAccess(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.access[name]
	return e.at, ok
}

// Snapshot returns the access state of every tracked skill, oldest first
func (m *MemoryManager) Snapshot() []AccessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.access))
	for name := range m.access {
		names = append(names, name)
	}
	m.sortByRecencyLocked(names)

	out := make([]AccessInfo, 0, len(names))
	for _, name := range names {
		out = append(out, AccessInfo{
			Name:       name,
			LastAccess: m.access[name].at,
			Pinned:     m.isPinnedLocked(name),
		})
	}
	return out
}

// sortByRecencyLocked orders names from least to most recently used.
// Skills without an access record sort first.
func (m *MemoryManager) sortByRecencyLocked(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return m.access[names[i]].seq < m.access[names[j]].seq
	})
}

// EnforceMemoryLimit evicts skills in two phases: first every non-pinned
// skill idle for longer than the TTL, then, while more than maxLoaded skills
// remain, non-pinned skills in least recently used order. Skills named in
// keep are spared in this pass like pinned ones. It returns the number of
// skills unloaded.
func (m *MemoryManager) EnforceMemoryLimit(ctx context.Context, loaded []string, unload UnloadFunc, keep ...string) int {
	m.mu.Lock()
	now := m.now()
	var expired []string
	var candidates []string
	for _, name := range loaded {
		if m.isPinnedLocked(name) || slices.Contains(keep, name) {
			continue
		}
		if e, ok := m.access[name]; m.ttl > 0 && (!ok || now.Sub(e.at) > m.ttl) {
			expired = append(expired, name)
			continue
		}
		candidates = append(candidates, name)
	}
	m.sortByRecencyLocked(expired)
	m.sortByRecencyLocked(candidates)
	maxLoaded := m.maxLoaded
	m.mu.Unlock()

	log := logger.G(ctx)
	evicted := 0
	remaining := len(loaded)

	for _, name := range expired {
		if unload(ctx, name) {
			evicted++
			log.WithField("skill", name).Debug("evicted idle skill")
		}
		remaining--
	}

	if maxLoaded > 0 {
		for _, name := range candidates {
			if remaining <= maxLoaded {
				break
			}
			if unload(ctx, name) {
				evicted++
				log.WithField("skill", name).Debug("evicted least recently used skill")
			}
			remaining--
		}
	}

	if evicted > 0 {
		log.WithField("evicted", evicted).Info("enforced skill memory limit")
	}
	return evicted
}
