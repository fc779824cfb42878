package skills

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Module is the executable handle owned by a loaded skill. A module is
// created fully (including validation) before it is swapped into the
// registry and closed only after it has been swapped out.
type Module interface {
	// Commands returns the commands discovered in the module's sources
	Commands() []*Command
	// Close releases the resources held by the module
	Close() error
}

// ModuleOpener builds the module of a bundle
type ModuleOpener interface {
	// Validate checks the bundle's command sources without executing them
	Validate(ctx context.Context, bundle Bundle) error
	// Open loads the bundle's command sources into a module
	Open(ctx context.Context, bundle Bundle) (Module, error)
}

// Bundle identifies a skill bundle on disk together with its manifest
type Bundle struct {
	Name     string
	Dir      string
	Manifest *Manifest
}

// NewCommand builds a command of skill from a marker config and a callable
func NewCommand(skill string, cfg CommandConfig, fn InvokeFunc) (*Command, error) {
	if cfg.Name == "" {
		return nil, errors.New("command name is required")
	}

	cmd := &Command{
		Name:           cfg.Name,
		Skill:          skill,
		Description:    cfg.Description,
		Category:       cfg.Category,
		CacheTTL:       time.Duration(cfg.CacheTTL * float64(time.Second)),
		RetryOn:        cfg.RetryOn,
		MaxAttempts:    cfg.MaxAttempts,
		SideEffectFree: cfg.SideEffectFree,
		invoke:         fn,
	}
	if cmd.MaxAttempts < 1 {
		cmd.MaxAttempts = 1
	}

	if len(cfg.InputSchema) > 0 {
		schemaBytes, err := json.Marshal(cfg.InputSchema)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal input schema")
		}
		var schema jsonschema.Schema
		if err := json.Unmarshal(schemaBytes, &schema); err != nil {
			return nil, errors.Wrap(err, "failed to parse input schema")
		}
		cmd.InputSchema = &schema
	}

	return cmd, nil
}

// staticModule is a module whose commands are plain Go functions
type staticModule struct {
	commands []*Command
	closed   func() error
}

// NewStaticModule wraps already-built commands into a module
func NewStaticModule(commands []*Command, onClose func() error) Module {
	return &staticModule{commands: commands, closed: onClose}
}

func (m *staticModule) Commands() []*Command { return m.commands }

func (m *staticModule) Close() error {
	if m.closed != nil {
		return m.closed()
	}
	return nil
}

// scriptSources lists the JavaScript command sources of a bundle
func scriptSources(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), scriptsDirName+"/**/*.js")
	if err != nil {
		return nil, errors.Wrap(err, "failed to glob command sources")
	}
	sources := make([]string, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, filepath.Join(dir, filepath.FromSlash(m)))
	}
	sort.Strings(sources)
	return sources, nil
}

// executableSources lists the executables in a bundle's scripts directory
func executableSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, scriptsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read scripts directory")
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		sources = append(sources, filepath.Join(dir, scriptsDirName, entry.Name()))
	}
	return sources, nil
}

// SourceMtime returns the newest modification time among a bundle's manifest
// and command sources
func SourceMtime(dir string) (time.Time, error) {
	info, err := os.Stat(ManifestPath(dir))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to stat manifest")
	}
	latest := info.ModTime()

	scripts := filepath.Join(dir, scriptsDirName)
	err = filepath.WalkDir(scripts, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == scripts && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to scan command sources")
	}
	return latest, nil
}
