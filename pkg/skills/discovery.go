package skills

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

const defaultIndexFileName = "skill_index.json"

// LoadFunc loads the bundle at path
type LoadFunc func(ctx context.Context, path string) (*Skill, error)

// Discovery finds skill bundles under a skills root and reads the
// precomputed skill index
type Discovery struct {
	root      string
	indexFile string
}

// Option is a function that configures a Discovery
type Option func(*Discovery) error

// WithSkillsRoot sets the directory scanned for bundles
func WithSkillsRoot(dir string) Option {
	return func(d *Discovery) error {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return errors.Wrap(err, "failed to resolve skills root")
		}
		d.root = abs
		return nil
	}
}

// WithIndexFile sets the index file path
func WithIndexFile(path string) Option {
	return func(d *Discovery) error {
		if path == "" {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return errors.Wrap(err, "failed to resolve index file")
		}
		d.indexFile = abs
		return nil
	}
}

// WithDefaultDirs uses the repo-local skills root
func WithDefaultDirs() Option {
	return WithSkillsRoot(filepath.Join(".omni", "skills"))
}

// NewDiscovery creates a new skill discovery instance
func NewDiscovery(opts ...Option) (*Discovery, error) {
	d := &Discovery{}

	if len(opts) == 0 {
		opts = []Option{WithDefaultDirs()}
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.root == "" {
		if err := WithDefaultDirs()(d); err != nil {
			return nil, err
		}
	}
	if d.indexFile == "" {
		d.indexFile = filepath.Join(d.root, defaultIndexFileName)
	}
	return d, nil
}

// Root returns the skills root directory
func (d *Discovery) Root() string { return d.root }

// IndexFile returns the index file path
func (d *Discovery) IndexFile() string { return d.indexFile }

// Discover lists the bundle directories under the root, sorted by name
func (d *Discovery) Discover() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read skills root")
	}

	var bundles []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(d.root, entry.Name())

		// os.Stat follows symlinked bundles
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		if !HasManifest(path) {
			continue
		}
		bundles = append(bundles, path)
	}
	sort.Strings(bundles)
	return bundles, nil
}

// DiscoverSingle returns the bundle directory of a skill following the
// naming convention, accepting either '-' or '_' as word separator
func (d *Discovery) DiscoverSingle(name string) (string, bool) {
	for _, candidate := range bundleDirNames(name) {
		path := filepath.Join(d.root, candidate)
		if HasManifest(path) {
			return path, true
		}
	}
	return "", false
}

func bundleDirNames(name string) []string {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil
	}
	names := []string{name}
	for _, alt := range []string{
		strings.ReplaceAll(name, "_", "-"),
		strings.ReplaceAll(name, "-", "_"),
	} {
		if alt != name {
			names = append(names, alt)
		}
	}
	return names
}

// IsIndexFresh reports whether the index exists, every directory it
// references still exists, and no referenced manifest is newer than it
func (d *Discovery) IsIndexFresh() bool {
	info, err := os.Stat(d.indexFile)
	if err != nil {
		return false
	}
	indexTime := info.ModTime()

	idx, err := d.ReadIndex()
	if err != nil {
		return false
	}

	for _, entry := range idx.Skills {
		dir := d.resolve(entry.Path)
		dirInfo, err := os.Stat(dir)
		if err != nil || !dirInfo.IsDir() {
			return false
		}
		mInfo, err := os.Stat(ManifestPath(dir))
		if err != nil {
			return false
		}
		if mInfo.ModTime().After(indexTime) {
			return false
		}
	}
	return true
}

func (d *Discovery) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(d.root, path)
}

// LoadFromIndex loads every bundle referenced by a fresh index. When the
// index is missing, unreadable or stale it falls back to a full scan. Bundles
// that fail to load are skipped and reported in the returned error.
func (d *Discovery) LoadFromIndex(ctx context.Context, load LoadFunc) (map[string]*Skill, error) {
	log := logger.G(ctx).WithField("index", d.indexFile)

	var paths []string
	if d.IsIndexFresh() {
		idx, err := d.ReadIndex()
		if err == nil {
			for _, entry := range idx.Skills {
				paths = append(paths, d.resolve(entry.Path))
			}
			log.WithField("skills", len(paths)).Debug("loading skills from index")
		} else {
			log.WithError(err).Debug("failed to read skill index, scanning skills root")
		}
	} else {
		log.Debug("skill index missing or stale, scanning skills root")
	}

	if paths == nil {
		discovered, err := d.Discover()
		if err != nil {
			return nil, err
		}
		paths = discovered
	}

	skills := make(map[string]*Skill, len(paths))
	var result *multierror.Error
	for _, path := range paths {
		skill, err := load(ctx, path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		skills[skill.Name] = skill
	}
	return skills, result.ErrorOrNil()
}

// Locate returns the bundle directories whose index metadata names the
// skill. Index paths may point at the bundle directory or at a file inside
// it; only directories holding a manifest are returned.
func (d *Discovery) Locate(_ context.Context, name string) ([]string, error) {
	idx, err := d.ReadIndex()
	if err != nil {
		return nil, err
	}

	var dirs []string
	seen := make(map[string]bool)
	for _, entry := range idx.Skills {
		if !entry.names(name) {
			continue
		}
		dir, ok := d.bundleDirFor(d.resolve(entry.Path))
		if !ok || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// bundleDirFor walks from path towards the root looking for a manifest
func (d *Discovery) bundleDirFor(path string) (string, bool) {
	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}
	for i := 0; i < 3; i++ {
		if HasManifest(dir) {
			return dir, true
		}
		if dir == d.root {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
