package skills

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the loaded skills, the command lookup cache and the
// per-skill mtime cache. It has no behavior beyond the maps themselves.
//
// Commands are cached under two keys: the stable "skill.command" key and the
// bare command name. The bare key is last-write-wins: loading a second skill
// that exposes a command of the same name silently takes it over.
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]*Skill
	commands map[string]*Command
	mtimes   map[string]time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		skills:   make(map[string]*Skill),
		commands: make(map[string]*Command),
		mtimes:   make(map[string]time.Time),
	}
}

// GetSkill returns the loaded skill with the given name, or nil
func (r *Registry) GetSkill(name string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[name]
}

// RegisterSkill stores a skill under its name, replacing any previous entry
func (r *Registry) RegisterSkill(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
}

// UnregisterSkill removes a skill and returns it, or nil if it was not loaded
func (r *Registry) UnregisterSkill(name string) *Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.skills[name]
	if !ok {
		return nil
	}
	delete(r.skills, name)
	return s
}

// SkillNames returns the sorted names of all loaded skills
func (r *Registry) SkillNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded skills
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// GetCommand looks a command up by "skill.command", then by bare name
func (r *Registry) GetCommand(skill, command string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[skill+"."+command]; ok {
		return cmd
	}
	return r.commands[command]
}

// RegisterCommand caches a command under its qualified and bare names
func (r *Registry) RegisterCommand(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.QualifiedName()] = cmd
	r.commands[cmd.Name] = cmd
}

// UnregisterCommands purges every cache entry pointing at the skill's commands
func (r *Registry) UnregisterCommands(skill string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cmd := range r.commands {
		if cmd.Skill == skill {
			delete(r.commands, key)
		}
	}
}

// swap atomically replaces the skill registered under s.Name together with
// its command entries and mtime, returning the previous skill
func (r *Registry) swap(s *Skill) *Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.skills[s.Name]
	for key, cmd := range r.commands {
		if cmd.Skill == s.Name {
			delete(r.commands, key)
		}
	}
	r.skills[s.Name] = s
	for _, cmd := range s.Commands {
		r.commands[cmd.QualifiedName()] = cmd
		r.commands[cmd.Name] = cmd
	}
	r.mtimes[s.Name] = s.Mtime
	return old
}

// GetMtime returns the cached source mtime of a skill
func (r *Registry) GetMtime(name string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.mtimes[name]
	return t, ok
}

// SetMtime caches the source mtime of a skill
func (r *Registry) SetMtime(name string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mtimes[name] = t
}

// ClearMtime drops the cached source mtime of a skill
func (r *Registry) ClearMtime(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mtimes, name)
}
