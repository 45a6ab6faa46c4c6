// Package kv is the key-value layer behind the session recorder.
//
// Keys are hierarchical, e.g. Key{"rec", "s1", "prompt", "00000000000000000003"},
// and are stored joined by ':'. Listing by prefix matches whole segments, so
// Key{"rec", "s1"} does not match keys under "rec:s10".
//
// Memory is for tests and short-lived tools; Badger persists to disk.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// ErrInvalidKey is returned for keys with empty segments or segments
// containing the separator.
var ErrInvalidKey = errors.New("kv: invalid key")

// Separator joins key segments in storage.
const Separator = ':'

// Key is a hierarchical key.
type Key []string

func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

func (k Key) validate() error {
	for _, seg := range k {
		if seg == "" || strings.IndexByte(seg, Separator) >= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
		}
	}
	return nil
}

func (k Key) encode() []byte {
	return []byte(k.String())
}

// prefixBytes returns the encoded prefix followed by the separator, or nil
// for an empty prefix.
func (k Key) prefixBytes() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), Separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with hierarchical keys.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// List yields every entry under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// DeletePrefix removes every entry under prefix and returns how many
	// were removed. An empty prefix is rejected.
	DeletePrefix(ctx context.Context, prefix Key) (int, error)

	// Close releases the store.
	Close() error
}
