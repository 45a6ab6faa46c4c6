package buffer

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

var (
	// ErrIteratorDone is returned by Cursor.Next once every value of a
	// cleanly closed Multicast has been delivered.
	ErrIteratorDone = errors.New("iterator done")

	// ErrWriteAfterClose is returned when writing to a Multicast that has
	// already been closed or closed with an error.
	ErrWriteAfterClose = errors.New("buffer: write to closed multicast")

	// ErrCursorClosed is returned by Cursor.Next after the cursor itself has
	// been closed by its reader.
	ErrCursorClosed = errors.New("buffer: cursor closed")
)

// Multicast is an append-only, replayable log with any number of independent
// readers. Every value written is retained for the lifetime of the Multicast,
// so a Cursor created at any time observes the full history in write order,
// followed by the live tail, followed by the terminal state.
//
// A Multicast is either open, closed, or errored. The terminal state is set at
// most once: the first Close or CloseWithError wins and later calls are no-ops.
// Values written before an error remain visible to every cursor; the error is
// reported only after a cursor has consumed them.
//
// Waiting readers are woken through a broadcast channel that is closed and
// replaced on every state change. A single writer and many readers may use a
// Multicast concurrently.
type Multicast[T any] struct {
	mu      sync.Mutex
	notify  chan struct{}
	buf     []T
	closed  bool
	err     error
	cursors map[*Cursor[T]]struct{}
}

// NewMulticast creates an empty, open Multicast.
func NewMulticast[T any]() *Multicast[T] {
	return &Multicast[T]{
		notify:  make(chan struct{}),
		cursors: make(map[*Cursor[T]]struct{}),
	}
}

// wakeLocked releases every waiter. The caller must hold mu.
func (m *Multicast[T]) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Write appends v to the log and wakes every cursor waiting at the live edge.
//
// Returns ErrWriteAfterClose if the Multicast is already terminal; nothing is
// appended in that case.
func (m *Multicast[T]) Write(v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrWriteAfterClose
	}
	m.buf = append(m.buf, v)
	m.wakeLocked()
	return nil
}

// Close marks the Multicast as cleanly finished. Cursors drain the remaining
// history and then receive ErrIteratorDone. Closing a terminal Multicast is a
// no-op.
func (m *Multicast[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.wakeLocked()
	return nil
}

// CloseWithError marks the Multicast as failed with err. If err is nil,
// io.ErrClosedPipe is used. History is kept: cursors drain it first and then
// receive err. Has no effect if the Multicast is already terminal.
func (m *Multicast[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.err = err
	m.wakeLocked()
	return nil
}

// Err returns the error the Multicast was closed with, or nil.
func (m *Multicast[T]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done reports whether the Multicast has reached a terminal state.
func (m *Multicast[T]) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of values written so far.
func (m *Multicast[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Snapshot returns a copy of the values written so far.
func (m *Multicast[T]) Snapshot() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, len(m.buf))
	copy(out, m.buf)
	return out
}

// Cursors returns the number of live cursors. A cursor stops being live when
// it is closed or when it has observed the terminal state.
func (m *Multicast[T]) Cursors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}

// Iter returns a new Cursor positioned at the first value ever written.
func (m *Multicast[T]) Iter() *Cursor[T] {
	c := &Cursor[T]{m: m, done: make(chan struct{})}
	m.mu.Lock()
	m.cursors[c] = struct{}{}
	m.mu.Unlock()
	return c
}

// Cursor is one reader's position in a Multicast. A Cursor is meant to be
// used by a single goroutine, except for Close which may be called from any
// goroutine to abandon a pending Next.
type Cursor[T any] struct {
	m    *Multicast[T]
	pos  int
	done chan struct{}

	closeOnce sync.Once
}

// Next returns the next value in write order, blocking at the live edge until
// a value is written or the Multicast becomes terminal.
//
// After the last value it returns ErrIteratorDone for a closed Multicast, or
// an error wrapping the close reason for a failed one. Once the cursor is
// closed it returns ErrCursorClosed.
func (c *Cursor[T]) Next() (v T, err error) {
	m := c.m
	m.mu.Lock()
	for {
		if c.closedLocked() {
			m.mu.Unlock()
			return v, ErrCursorClosed
		}
		if c.pos < len(m.buf) {
			v = m.buf[c.pos]
			c.pos++
			m.mu.Unlock()
			return v, nil
		}
		if m.closed {
			delete(m.cursors, c)
			err = m.err
			m.mu.Unlock()
			if err != nil {
				return v, fmt.Errorf("buffer: multicast failed: %w", err)
			}
			return v, ErrIteratorDone
		}
		wait := m.notify
		m.mu.Unlock()
		select {
		case <-wait:
		case <-c.done:
		}
		m.mu.Lock()
	}
}

func (c *Cursor[T]) closedLocked() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close abandons the cursor. It is removed from the Multicast's live set and
// a concurrent Next returns ErrCursorClosed. Closing twice is a no-op.
func (c *Cursor[T]) Close() error {
	c.closeOnce.Do(func() {
		c.m.mu.Lock()
		delete(c.m.cursors, c)
		close(c.done)
		c.m.mu.Unlock()
	})
	return nil
}

// All returns an iterator over the cursor's remaining values. The cursor is
// closed when the loop exits, whether it ran to completion, hit an error, or
// was abandoned with break. A clean end of stream yields nothing further; a
// failure is yielded once as the final pair.
func (c *Cursor[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer c.Close()
		for {
			v, err := c.Next()
			if errors.Is(err, ErrIteratorDone) {
				return
			}
			if err != nil {
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
