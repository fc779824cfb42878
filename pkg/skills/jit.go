package skills

import (
	"context"

	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Locator finds candidate bundle directories for a skill name when the
// naming convention does not lead to one
type Locator interface {
	Locate(ctx context.Context, name string) ([]string, error)
}

// JITLoader loads skills on first use. Concurrent misses for the same name
// share a single load.
type JITLoader struct {
	discovery *Discovery
	locator   Locator
	lifecycle *Lifecycle
	registry  *Registry
	group     singleflight.Group
}

// NewJITLoader creates a JIT loader. locator may be nil, in which case only
// the naming convention is tried.
func NewJITLoader(discovery *Discovery, locator Locator, lifecycle *Lifecycle, registry *Registry) *JITLoader {
	return &JITLoader{
		discovery: discovery,
		locator:   locator,
		lifecycle: lifecycle,
		registry:  registry,
	}
}

// TryLoad loads the named skill if it can be found on disk and reports
// whether it is loaded afterwards
func (j *JITLoader) TryLoad(ctx context.Context, name string) bool {
	if j.registry.GetSkill(name) != nil {
		return true
	}

	v, _, _ := j.group.Do(name, func() (any, error) {
		return j.tryLoad(ctx, name), nil
	})
	return v.(bool)
}

func (j *JITLoader) tryLoad(ctx context.Context, name string) bool {
	log := logger.G(ctx).WithField("skill", name)

	if path, ok := j.discovery.DiscoverSingle(name); ok {
		log.WithField("path", path).Debug("jit loading skill from bundle path")
		if _, err := j.lifecycle.Load(ctx, path); err == nil {
			return j.registry.GetSkill(name) != nil
		}
	}

	if j.locator == nil {
		return false
	}
	candidates, err := j.locator.Locate(ctx, name)
	if err != nil {
		log.WithError(err).Debug("jit index lookup failed")
		return false
	}
	for _, dir := range candidates {
		if !HasManifest(dir) {
			continue
		}
		log.WithField("path", dir).Debug("jit loading skill from index location")
		if _, err := j.lifecycle.Load(ctx, dir); err != nil {
			continue
		}
		if j.registry.GetSkill(name) != nil {
			return true
		}
	}

	log.Debug("jit load found no bundle")
	return false
}
