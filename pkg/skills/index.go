package skills

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"gopkg.in/yaml.v3"
)

const indexVersion = 1

// Index is the precomputed list of bundles used for fast startup
type Index struct {
	Version     int          `json:"version" yaml:"version"`
	GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at"`
	Skills      []IndexEntry `json:"skills" yaml:"skills"`
}

// IndexEntry describes one bundle in the index
type IndexEntry struct {
	Name            string            `json:"name" yaml:"name"`
	Path            string            `json:"path" yaml:"path"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version         string            `json:"version,omitempty" yaml:"version,omitempty"`
	RoutingKeywords []string          `json:"routing_keywords,omitempty" yaml:"routing_keywords,omitempty"`
	Commands        []string          `json:"commands,omitempty" yaml:"commands,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// names reports whether the entry's metadata names the skill
func (e IndexEntry) names(skill string) bool {
	if e.Name == skill {
		return true
	}
	for _, key := range []string{"skill", "skill_name"} {
		if e.Metadata[key] == skill {
			return true
		}
	}
	return false
}

func isYAMLIndex(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ReadIndex reads and decodes the index file
func (d *Discovery) ReadIndex() (*Index, error) {
	data, err := os.ReadFile(d.indexFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill index")
	}

	var idx Index
	if isYAMLIndex(d.indexFile) {
		err = yaml.Unmarshal(data, &idx)
	} else {
		err = json.Unmarshal(data, &idx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode skill index")
	}
	if idx.Version > indexVersion {
		return nil, errors.Errorf("unsupported skill index version %d", idx.Version)
	}
	return &idx, nil
}

// InspectFunc builds a skill from a bundle without registering it. The
// caller releases the skill's module.
type InspectFunc func(ctx context.Context, path string) (*Skill, error)

// BuildIndex scans the skills root and describes every bundle. Bundles that
// fail to inspect are still indexed from their manifest alone.
func (d *Discovery) BuildIndex(ctx context.Context, inspect InspectFunc) (*Index, error) {
	bundles, err := d.Discover()
	if err != nil {
		return nil, err
	}

	idx := &Index{Version: indexVersion, GeneratedAt: time.Now().UTC()}
	var result *multierror.Error
	for _, dir := range bundles {
		manifest, err := ParseManifest(dir)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		rel, err := filepath.Rel(d.root, dir)
		if err != nil {
			rel = dir
		}
		entry := IndexEntry{
			Name:            manifest.Name,
			Path:            filepath.ToSlash(rel),
			Description:     manifest.Description,
			Version:         manifest.Version,
			RoutingKeywords: manifest.RoutingKeywords,
			Metadata: map[string]string{
				"execution_mode": string(manifest.ExecutionMode),
			},
		}

		if inspect != nil {
			skill, err := inspect(ctx, dir)
			if err != nil {
				logger.G(ctx).WithError(err).WithField("path", dir).Warn("failed to inspect skill for index")
				result = multierror.Append(result, err)
			} else {
				entry.Commands = skill.CommandNames()
				if skill.module != nil {
					_ = skill.module.Close()
				}
			}
		}
		idx.Skills = append(idx.Skills, entry)
	}
	return idx, result.ErrorOrNil()
}

// WriteIndex atomically replaces the index file
func (d *Discovery) WriteIndex(idx *Index) error {
	var (
		data []byte
		err  error
	)
	if isYAMLIndex(d.indexFile) {
		data, err = yaml.Marshal(idx)
	} else {
		data, err = json.MarshalIndent(idx, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode skill index")
	}

	if err := os.MkdirAll(filepath.Dir(d.indexFile), 0o755); err != nil {
		return errors.Wrap(err, "failed to create index directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.indexFile), ".skill_index-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary index file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write index")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close index")
	}
	return errors.Wrap(os.Rename(tmp.Name(), d.indexFile), "failed to replace index")
}
