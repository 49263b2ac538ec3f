package eventlog

import (
	"sync"

	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

// Forbidden is the registry of patterns that must never match an appended
// event. Patterns are keyed by their identity; insertion order is kept so
// that the first matching pattern is reported deterministically.
type Forbidden struct {
	mu       sync.RWMutex
	keys     []string
	patterns map[string]pattern.Pattern
}

// NewForbidden creates an empty registry.
func NewForbidden() *Forbidden {
	return &Forbidden{patterns: make(map[string]pattern.Pattern)}
}

// Add inserts patterns. Adding an identity twice is a no-op.
func (f *Forbidden) Add(patterns ...pattern.Pattern) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range patterns {
		key := p.Key()
		if _, ok := f.patterns[key]; ok {
			continue
		}
		f.keys = append(f.keys, key)
		f.patterns[key] = p
	}
}

// Remove deletes patterns by identity. Unknown identities are ignored.
func (f *Forbidden) Remove(patterns ...pattern.Pattern) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range patterns {
		key := p.Key()
		if _, ok := f.patterns[key]; !ok {
			continue
		}
		delete(f.patterns, key)
		for i, k := range f.keys {
			if k == key {
				f.keys = append(f.keys[:i], f.keys[i+1:]...)
				break
			}
		}
	}
}

// Match returns the identity of the first registered pattern matching ev.
func (f *Forbidden) Match(ev *ir.Event) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, key := range f.keys {
		if f.patterns[key].Matches(ev) {
			return key, true
		}
	}
	return "", false
}

// Keys returns the registered identities in insertion order.
func (f *Forbidden) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Len returns the number of registered patterns.
func (f *Forbidden) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.keys)
}
