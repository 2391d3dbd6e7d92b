package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicate = errors.New("plugin already registered")
	ErrNotFound  = errors.New("plugin not found")
)

// Registry maps command names to plugins.
//
// Registration is first-wins: a later Register with an existing name fails
// with ErrDuplicate and leaves the earlier plugin in place. Lookups are safe
// for concurrent use with registrations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("plugin is nil")
	}
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return errors.New("plugin name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.plugins[name] = p
	return nil
}

// Replace swaps the entire plugin set atomically. Used on config reload to
// apply enable/disable changes; duplicate names are first-wins, matching
// Register. In-flight lookups see either the old set or the new set.
func (r *Registry) Replace(plugins ...Plugin) {
	next := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			continue
		}
		if _, ok := next[name]; ok {
			continue
		}
		next[name] = p
	}

	r.mu.Lock()
	r.plugins = next
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Plugin, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Names returns registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Describe returns name -> one-line description for all registered plugins.
func (r *Registry) Describe() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.plugins))
	for name, p := range r.plugins {
		out[name] = p.Describe()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
