package stream

import (
	"io"
	"sync"
)

// Source is one input to Merge: either an Iterable, from which a fresh
// iterator is taken when Merge is called, or an Iterator that is consumed
// directly. Build it with FromIterable or FromIterator.
type Source[T any] struct {
	iterable Iterable[T]
	iterator Iterator[T]
}

// FromIterable wraps an Iterable as a merge source.
func FromIterable[T any](it Iterable[T]) Source[T] {
	return Source[T]{iterable: it}
}

// FromIterator wraps an Iterator as a merge source.
func FromIterator[T any](it Iterator[T]) Source[T] {
	return Source[T]{iterator: it}
}

func (s Source[T]) open() Iterator[T] {
	switch {
	case s.iterator != nil:
		return s.iterator
	case s.iterable != nil:
		return s.iterable.Iter()
	}
	return nil
}

type pulled[T any] struct {
	src int
	v   T
	err error
}

// Merge combines sources into one iterator that yields values in the order
// they arrive across sources.
//
// Each source has at most one pull outstanding: a source is pulled again only
// after its previous value has been returned by Next. Exhausted sources drop
// out; the merged iterator ends with io.EOF when none remain. The first source
// error ends the merged iterator with that error.
//
// Pulling starts on the first call to Next. When the merged iterator ends or
// is closed, every source iterator still in use is closed without waiting for
// its pending pull. Cursors give up such a pull at once; a FromSeq source
// finishes it in the background and drops the value. Source iterators must
// therefore allow Close to be called concurrently with Next, and Close must
// not block on it.
func Merge[T any](sources ...Source[T]) Iterator[T] {
	m := &merged[T]{
		results: make(chan pulled[T]),
		done:    make(chan struct{}),
	}
	for _, s := range sources {
		it := s.open()
		if it == nil {
			continue
		}
		m.iters = append(m.iters, it)
		m.closers = append(m.closers, sync.OnceValue(it.Close))
	}
	m.active = len(m.iters)
	return m
}

type merged[T any] struct {
	iters   []Iterator[T]
	closers []func() error
	results chan pulled[T]

	startOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once

	// Owned by the reading goroutine.
	active int
	err    error
}

func (m *merged[T]) start() {
	for i, it := range m.iters {
		go m.pump(i, it)
	}
}

// pump keeps one pull outstanding on source i until it ends or the merge
// stops.
func (m *merged[T]) pump(i int, it Iterator[T]) {
	defer m.closers[i]()
	for {
		v, err := it.Next()
		select {
		case m.results <- pulled[T]{src: i, v: v, err: err}:
		case <-m.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *merged[T]) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		for _, c := range m.closers {
			c()
		}
	})
}

func (m *merged[T]) Next() (v T, err error) {
	if m.err != nil {
		return v, m.err
	}
	select {
	case <-m.done:
		m.err = ErrClosed
		return v, ErrClosed
	default:
	}
	if m.active == 0 {
		m.err = io.EOF
		m.stop()
		return v, io.EOF
	}
	m.startOnce.Do(m.start)
	for m.active > 0 {
		select {
		case r := <-m.results:
			switch {
			case r.err == nil:
				return r.v, nil
			case IsDone(r.err):
				m.active--
			default:
				m.err = r.err
				m.stop()
				return v, r.err
			}
		case <-m.done:
			m.err = ErrClosed
			return v, ErrClosed
		}
	}
	m.err = io.EOF
	m.stop()
	return v, io.EOF
}

// Close stops the merge and closes every source iterator.
func (m *merged[T]) Close() error {
	m.stop()
	return nil
}
