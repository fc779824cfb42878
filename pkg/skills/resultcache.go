package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const defaultResultCacheSize = 1024

// CacheEntry is a cached command result
type CacheEntry struct {
	Result          string
	Timestamp       time.Time
	DependencyMtime time.Time
}

// ResultCache caches command outputs keyed by skill, command and arguments.
// An entry is served only while it is younger than the command's cache TTL
// and the skill's sources have not changed since it was written.
type ResultCache struct {
	entries *lru.Cache[string, CacheEntry]
	now     func() time.Time
}

// NewResultCache creates a result cache holding at most size entries
func NewResultCache(size int) (*ResultCache, error) {
	if size <= 0 {
		size = defaultResultCacheSize
	}
	entries, err := lru.New[string, CacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create result cache")
	}
	return &ResultCache{entries: entries, now: time.Now}, nil
}

// SetClock replaces the time source
func (c *ResultCache) SetClock(now func() time.Time) {
	c.now = now
}

// Key returns the cache key of a call. Arguments are canonicalized by
// encoding them with sorted keys, so argument order never matters.
func (c *ResultCache) Key(skill, command string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(skill))
	h.Write([]byte{0})
	h.Write([]byte(command))
	h.Write([]byte{0})
	h.Write(canonicalArgs(args))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalArgs(args map[string]any) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(args)
	if err != nil {
		return []byte(fmt.Sprintf("%v", args))
	}
	return b
}

// TryGet returns a cached result for the call, purging stale entries
func (c *ResultCache) TryGet(skill *Skill, cmd *Command, args map[string]any) (string, bool) {
	if cmd.CacheTTL <= 0 {
		return "", false
	}

	key := c.Key(skill.Name, cmd.Name, args)
	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}

	if c.now().After(entry.Timestamp.Add(cmd.CacheTTL)) {
		c.entries.Remove(key)
		return "", false
	}
	if skill.Mtime.After(entry.DependencyMtime) {
		c.entries.Remove(key)
		return "", false
	}
	return entry.Result, true
}

// Store caches a successful result. It is a no-op for uncached commands.
func (c *ResultCache) Store(skill *Skill, cmd *Command, args map[string]any, result string) {
	if cmd.CacheTTL <= 0 {
		return
	}
	c.entries.Add(c.Key(skill.Name, cmd.Name, args), CacheEntry{
		Result:          result,
		Timestamp:       c.now(),
		DependencyMtime: skill.Mtime,
	})
}

// Clear drops every entry
func (c *ResultCache) Clear() {
	c.entries.Purge()
}

// Len returns the number of cached entries
func (c *ResultCache) Len() int {
	return c.entries.Len()
}
