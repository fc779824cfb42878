// Package skills implements the skill runtime: it discovers skill bundles on
// disk, loads their commands into isolated module handles, hot-reloads them
// when their sources change, caches command lookups and results, evicts idle
// skills under a memory budget and batches change notifications for
// downstream consumers such as the MCP tool list.
//
// A bundle is a directory containing a SKILL.md file whose YAML frontmatter
// describes the skill, plus command sources under scripts/. In-process skills
// ship JavaScript files that register commands through skill_command();
// subprocess skills ship executables speaking a describe/run protocol.
package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

const (
	manifestFileName = "SKILL.md"
	scriptsDirName   = "scripts"

	// HelpCommand returns the skill documentation instead of running a command.
	HelpCommand = "help"
)

// ExecutionMode selects how a skill's commands are executed
type ExecutionMode string

// Execution modes supported by the runtime
const (
	ExecutionInProcess  ExecutionMode = "in-process"
	ExecutionSubprocess ExecutionMode = "subprocess"
)

// ChangeType describes a structural change to the set of loaded skills
type ChangeType string

// Change types delivered to notifier subscribers
const (
	ChangeLoad   ChangeType = "load"
	ChangeUnload ChangeType = "unload"
	ChangeReload ChangeType = "reload"
)

// Manifest is the parsed SKILL.md frontmatter of a bundle
type Manifest struct {
	Name            string            `mapstructure:"name" json:"name"`
	Version         string            `mapstructure:"version" json:"version,omitempty"`
	Description     string            `mapstructure:"description" json:"description,omitempty"`
	ExecutionMode   ExecutionMode     `mapstructure:"execution_mode" json:"execution_mode"`
	Dependencies    map[string]string `mapstructure:"dependencies" json:"dependencies,omitempty"`
	RoutingKeywords []string          `mapstructure:"routing_keywords" json:"routing_keywords,omitempty"`
	Permissions     []string          `mapstructure:"permissions" json:"permissions,omitempty"`

	// Body is the markdown content following the frontmatter.
	Body string `mapstructure:"-" json:"-"`
}

// CommandConfig is the configuration object attached to a command marker
type CommandConfig struct {
	Name           string         `mapstructure:"name" json:"name"`
	Description    string         `mapstructure:"description" json:"description"`
	Category       string         `mapstructure:"category" json:"category,omitempty"`
	InputSchema    map[string]any `mapstructure:"input_schema" json:"input_schema,omitempty"`
	CacheTTL       float64        `mapstructure:"cache_ttl" json:"cache_ttl,omitempty"`
	RetryOn        []string       `mapstructure:"retry_on" json:"retry_on,omitempty"`
	MaxAttempts    int            `mapstructure:"max_attempts" json:"max_attempts,omitempty"`
	SideEffectFree bool           `mapstructure:"side_effect_free" json:"side_effect_free,omitempty"`
}

// InvokeFunc runs a command with decoded arguments and returns its output
type InvokeFunc func(ctx context.Context, args map[string]any) (string, error)

// Command is one invocable unit of a skill
type Command struct {
	Name           string
	Skill          string
	Description    string
	Category       string
	InputSchema    *jsonschema.Schema
	CacheTTL       time.Duration
	RetryOn        []string
	MaxAttempts    int
	SideEffectFree bool

	invoke InvokeFunc
}

// QualifiedName returns the stable "skill.command" registry key
func (c *Command) QualifiedName() string {
	return c.Skill + "." + c.Name
}

// Invoke calls the command's callable
func (c *Command) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if c.invoke == nil {
		return "", errors.Errorf("command %s has no callable", c.QualifiedName())
	}
	return c.invoke(ctx, args)
}

// Retryable reports whether a failure of the given kind may be retried
func (c *Command) Retryable(kind string) bool {
	if kind == "" {
		return false
	}
	for _, k := range c.RetryOn {
		if k == kind || k == "*" {
			return true
		}
	}
	return false
}

// Skill is a loaded bundle. A Skill is never mutated after construction:
// reload builds a new Skill and swaps it into the registry.
type Skill struct {
	Name          string
	Manifest      Manifest
	Commands      map[string]*Command
	Path          string
	Mtime         time.Time
	ExecutionMode ExecutionMode
	LoadedAt      time.Time

	module Module

	docOnce sync.Once
	doc     string
}

// CommandNames returns the sorted names of the skill's commands
func (s *Skill) CommandNames() []string {
	names := make([]string, 0, len(s.Commands))
	for name := range s.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context returns the aggregated documentation served by the help command
func (s *Skill) Context() string {
	s.docOnce.Do(func() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "# %s", s.Name)
		if s.Manifest.Version != "" {
			fmt.Fprintf(&sb, " (v%s)", s.Manifest.Version)
		}
		sb.WriteString("\n\n")
		if s.Manifest.Description != "" {
			sb.WriteString(s.Manifest.Description)
			sb.WriteString("\n\n")
		}
		if body := strings.TrimSpace(s.Manifest.Body); body != "" {
			sb.WriteString(body)
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Commands\n\n")
		if len(s.Commands) == 0 {
			sb.WriteString("This skill exposes no commands.\n")
		}
		for _, name := range s.CommandNames() {
			cmd := s.Commands[name]
			fmt.Fprintf(&sb, "- **%s**", name)
			if cmd.Description != "" {
				fmt.Fprintf(&sb, ": %s", cmd.Description)
			}
			sb.WriteString("\n")
		}
		s.doc = sb.String()
	})
	return s.doc
}
