// Package stream defines pull-based iterators over chunks and the combinators
// that work on them.
//
// An Iterator yields values until it returns io.EOF. Callers that stop
// before io.EOF must call Close. An Iterable hands out independent
// iterators; a buffer.Multicast becomes one through FromMulticast.
package stream

import (
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/haivivi/chunkflow/pkg/buffer"
	"github.com/haivivi/chunkflow/pkg/chunk"
)

// ErrClosed is returned by Next after the iterator was closed by its reader.
var ErrClosed = errors.New("stream: iterator closed")

// Iterator is a single reader's view of a sequence.
type Iterator[T any] interface {
	// Next returns the next value, or io.EOF when the sequence has ended.
	Next() (T, error)

	// Close releases the iterator. It is safe to call more than once and
	// concurrently with a blocked Next.
	Close() error
}

// Iterable produces independent iterators over the same sequence.
type Iterable[T any] interface {
	Iter() Iterator[T]
}

// Stream is an iterator over chunks.
type Stream = Iterator[*chunk.Chunk]

// IsDone reports whether err marks the normal end of a sequence.
func IsDone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, buffer.ErrIteratorDone)
}

// FromMulticast returns an Iterable whose iterators are cursors on m.
func FromMulticast[T any](m *buffer.Multicast[T]) Iterable[T] {
	return multicastIterable[T]{m: m}
}

type multicastIterable[T any] struct {
	m *buffer.Multicast[T]
}

func (mi multicastIterable[T]) Iter() Iterator[T] {
	return &cursorIterator[T]{c: mi.m.Iter()}
}

// cursorIterator adapts a buffer.Cursor to io.EOF termination.
type cursorIterator[T any] struct {
	c *buffer.Cursor[T]
}

func (ci *cursorIterator[T]) Next() (T, error) {
	v, err := ci.c.Next()
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, buffer.ErrIteratorDone):
		return v, io.EOF
	case errors.Is(err, buffer.ErrCursorClosed):
		return v, ErrClosed
	}
	return v, err
}

func (ci *cursorIterator[T]) Close() error {
	return ci.c.Close()
}

// FromSlice returns an iterator over vs.
func FromSlice[T any](vs ...T) Iterator[T] {
	return &sliceIterator[T]{vs: vs}
}

type sliceIterator[T any] struct {
	mu     sync.Mutex
	vs     []T
	closed bool
}

func (s *sliceIterator[T]) Next() (v T, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return v, ErrClosed
	}
	if len(s.vs) == 0 {
		return v, io.EOF
	}
	v, s.vs = s.vs[0], s.vs[1:]
	return v, nil
}

func (s *sliceIterator[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.vs = nil
	return nil
}

// Empty returns an iterator that ends immediately.
func Empty[T any]() Iterator[T] {
	return FromSlice[T]()
}

// FromSeq turns a push-style sequence into an Iterator. The sequence ends the
// iterator at its first non-nil error. Close does not wait for an in-flight
// Next: the sequence is stopped once that pull returns, and the pulled value
// is dropped.
func FromSeq[T any](seq iter.Seq2[T, error]) Iterator[T] {
	next, stop := iter.Pull2(seq)
	return &seqIterator[T]{next: next, stop: stop}
}

var errConcurrentNext = errors.New("stream: concurrent Next")

type seqIterator[T any] struct {
	next func() (T, error, bool)
	stop func()

	mu      sync.Mutex
	pulling bool
	err     error
}

func (s *seqIterator[T]) Next() (v T, err error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return v, err
	}
	if s.pulling {
		s.mu.Unlock()
		return v, errConcurrentNext
	}
	s.pulling = true
	s.mu.Unlock()

	v, err, ok := s.next()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulling = false
	switch {
	case s.err != nil:
		// Closed while pulling.
		s.stop()
		var zero T
		return zero, s.err
	case !ok:
		s.err = io.EOF
		s.stop()
		return v, io.EOF
	case err != nil:
		s.err = err
		s.stop()
		return v, err
	}
	return v, nil
}

func (s *seqIterator[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = ErrClosed
	}
	if !s.pulling {
		s.stop()
	}
	return nil
}

// All ranges over it and closes it on every exit path. A clean end yields
// nothing further; a failure is yielded once as the final pair.
func All[T any](it Iterator[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer it.Close()
		for {
			v, err := it.Next()
			if IsDone(err) {
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

// Collect drains it into a slice and closes it. The values read before a
// failure are returned alongside the error.
func Collect[T any](it Iterator[T]) ([]T, error) {
	var out []T
	for v, err := range All(it) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
