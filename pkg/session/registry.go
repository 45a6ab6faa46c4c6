package session

import (
	"errors"
	"slices"
	"sync"
)

// Registry holds named sessions, creating them on first use.
type Registry struct {
	wrap func(*Session) Store

	mu       sync.Mutex
	sessions map[string]*registered
	closed   bool
}

type registered struct {
	sess  *Session
	store Store
}

// NewRegistry returns an empty Registry. wrap, if non-nil, layers
// middleware over each new session; the returned Store is what Get hands
// out.
func NewRegistry(wrap func(*Session) Store) *Registry {
	return &Registry{wrap: wrap, sessions: make(map[string]*registered)}
}

// Get returns the session with id, creating it if needed. After Close it
// returns a closed session.
func (r *Registry) Get(id string) Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e.store
	}
	sess := New(WithID(id))
	if r.closed {
		sess.Close()
		return sess
	}
	var store Store = sess
	if r.wrap != nil {
		store = r.wrap(sess)
	}
	r.sessions[id] = &registered{sess: sess, store: store}
	return store
}

// Lookup returns the session with id without creating it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// IDs returns the ids of all live sessions, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Remove closes the session with id and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.store.Close()
}

// Close closes every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*registered)
	r.closed = true
	r.mu.Unlock()
	var errs []error
	for _, e := range sessions {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
