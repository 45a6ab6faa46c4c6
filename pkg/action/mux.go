package action

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/haivivi/chunkflow/pkg/trie"
)

// DefaultMux is the Mux used by Handle and by runners without their own.
var DefaultMux = NewMux()

// Handle registers act for pattern on DefaultMux.
func Handle(pattern string, act Action) error {
	return DefaultMux.Handle(pattern, act)
}

// Lookup finds an action on DefaultMux.
func Lookup(name string) (Action, string, error) {
	return DefaultMux.Lookup(name)
}

// Mux routes action names to actions. Patterns are slash-separated and may
// use "+" for one segment and "#" for the remaining segments, so a single
// action registered as "gen/openai/#" serves "gen/openai/gpt-4o" and
// "gen/openai/gpt-4o-mini" alike; the action sees the full name in Env.Name.
type Mux struct {
	mu      sync.RWMutex
	actions trie.Trie[Action]
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{}
}

// Handle registers act for pattern. It fails if the pattern is taken.
func (m *Mux) Handle(pattern string, act Action) error {
	if act == nil {
		return fmt.Errorf("action: nil action for %s", pattern)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.actions.Insert(pattern, act); err != nil {
		return fmt.Errorf("action: handle %s: %w", pattern, err)
	}
	slog.Debug("action: handle pattern", "pattern", pattern, "action_type", fmt.Sprintf("%T", act))
	return nil
}

// Lookup returns the action for name and the pattern it matched.
func (m *Mux) Lookup(name string) (Action, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	act, pattern, ok := m.actions.Lookup(name)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return act, pattern, nil
}

// Patterns returns the registered patterns, sorted.
func (m *Mux) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actions.Patterns()
}

// Declarations returns the declaration of every registered action that has
// one, keyed by pattern.
func (m *Mux) Declarations() map[string]Declaration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Declaration)
	for p, act := range m.actions.All() {
		if d, ok := act.(Declarer); ok {
			out[p] = d.Declare()
		}
	}
	return out
}
