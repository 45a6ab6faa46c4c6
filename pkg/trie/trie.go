// Package trie routes slash-separated names to values using MQTT-style
// patterns:
//   - "transform/jq"  matches exactly that name
//   - "gen/+/chat"    "+" matches one segment
//   - "gen/openai/#"  "#" matches any remaining segments, at least one
//
// Exact segments win over "+", which wins over "#".
package trie

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

var (
	// ErrInvalidPattern is returned for empty patterns, empty segments and
	// "#" anywhere but the last segment.
	ErrInvalidPattern = errors.New("trie: invalid pattern")

	// ErrExists is returned when a pattern already holds a value.
	ErrExists = errors.New("trie: pattern already set")
)

// Trie maps patterns to values. The zero value is empty and ready to use.
// A Trie is not safe for concurrent mutation.
type Trie[T any] struct {
	children map[string]*Trie[T]
	any      *Trie[T]
	rest     *Trie[T]
	set      bool
	value    T
}

func split(pattern string) ([]string, error) {
	pattern = strings.Trim(pattern, "/")
	if pattern == "" {
		return nil, ErrInvalidPattern
	}
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if s == "" || (s == "#" && i != len(segs)-1) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}
	return segs, nil
}

// Insert stores v under pattern. It fails with ErrExists if the pattern is
// already set.
func (t *Trie[T]) Insert(pattern string, v T) error {
	segs, err := split(pattern)
	if err != nil {
		return err
	}
	n := t
	for _, s := range segs {
		n = n.child(s)
	}
	if n.set {
		return fmt.Errorf("%w: %s", ErrExists, pattern)
	}
	n.set, n.value = true, v
	return nil
}

func (t *Trie[T]) child(seg string) *Trie[T] {
	switch seg {
	case "+":
		if t.any == nil {
			t.any = &Trie[T]{}
		}
		return t.any
	case "#":
		if t.rest == nil {
			t.rest = &Trie[T]{}
		}
		return t.rest
	}
	if t.children == nil {
		t.children = make(map[string]*Trie[T])
	}
	c, ok := t.children[seg]
	if !ok {
		c = &Trie[T]{}
		t.children[seg] = c
	}
	return c
}

// Lookup finds the value whose pattern best matches name and returns it with
// the matching pattern.
func (t *Trie[T]) Lookup(name string) (v T, pattern string, ok bool) {
	segs := strings.Split(strings.Trim(name, "/"), "/")
	n, route := t.match(segs)
	if n == nil {
		return v, "", false
	}
	return n.value, strings.Join(route, "/"), true
}

func (t *Trie[T]) match(segs []string) (*Trie[T], []string) {
	if len(segs) == 0 {
		if t.set {
			return t, nil
		}
		return nil, nil
	}
	head, tail := segs[0], segs[1:]
	if c, ok := t.children[head]; ok {
		if n, r := c.match(tail); n != nil {
			return n, append([]string{head}, r...)
		}
	}
	if t.any != nil {
		if n, r := t.any.match(tail); n != nil {
			return n, append([]string{"+"}, r...)
		}
	}
	if t.rest != nil && t.rest.set {
		return t.rest, []string{"#"}
	}
	return nil, nil
}

// Patterns returns every set pattern, sorted.
func (t *Trie[T]) Patterns() []string {
	var out []string
	t.walk(nil, func(path []string, _ T) {
		out = append(out, strings.Join(path, "/"))
	})
	slices.Sort(out)
	return out
}

// All yields every set pattern with its value, sorted by pattern.
func (t *Trie[T]) All() iter.Seq2[string, T] {
	type entry struct {
		pattern string
		value   T
	}
	var entries []entry
	t.walk(nil, func(path []string, v T) {
		entries = append(entries, entry{strings.Join(path, "/"), v})
	})
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.pattern, b.pattern) })
	return func(yield func(string, T) bool) {
		for _, e := range entries {
			if !yield(e.pattern, e.value) {
				return
			}
		}
	}
}

// Len returns the number of set patterns.
func (t *Trie[T]) Len() int {
	n := 0
	t.walk(nil, func([]string, T) { n++ })
	return n
}

func (t *Trie[T]) walk(path []string, f func([]string, T)) {
	if t.set {
		f(path, t.value)
	}
	for seg, c := range t.children {
		c.walk(append(slices.Clone(path), seg), f)
	}
	if t.any != nil {
		t.any.walk(append(slices.Clone(path), "+"), f)
	}
	if t.rest != nil {
		t.rest.walk(append(slices.Clone(path), "#"), f)
	}
}
