package session

import (
	"context"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// Middleware wraps a Store. Middleware may observe operations but must
// return the wrapped Store's results unchanged.
type Middleware func(Store) Store

// Chain wraps base with mws so that mws[0] is innermost:
// Chain(base, a, b) is b(a(base)).
func Chain(base Store, mws ...Middleware) Store {
	s := base
	for _, mw := range mws {
		s = mw(s)
	}
	return s
}

// Observer holds hooks for Observe. Nil hooks are skipped.
type Observer struct {
	// OnRead is called for every value a reader pulls from a channel.
	OnRead func(ctx context.Context, channel string, c *chunk.Chunk)

	// OnWrite is called before a write is passed on. OnWriteDone follows
	// with the result.
	OnWrite     func(ctx context.Context, channel string, env Envelope)
	OnWriteDone func(ctx context.Context, channel string, env Envelope, err error)

	// OnError is called before an error report is passed on.
	OnError func(ctx context.Context, channel string, reason error)

	// OnClose is called after the wrapped store is closed.
	OnClose func(err error)
}

// Observe returns a Middleware that calls the hooks in o around each
// operation.
func Observe(o Observer) Middleware {
	return func(next Store) Store {
		return &observed{next: next, o: o}
	}
}

type observed struct {
	next Store
	o    Observer
}

func (s *observed) Read(ctx context.Context, channel string) (stream.Iterable[*chunk.Chunk], error) {
	src, err := s.next.Read(ctx, channel)
	if err != nil || s.o.OnRead == nil {
		return src, err
	}
	return &observedIterable{ctx: ctx, channel: channel, src: src, onRead: s.o.OnRead}, nil
}

func (s *observed) Write(ctx context.Context, channel string, env Envelope) error {
	if s.o.OnWrite != nil {
		s.o.OnWrite(ctx, channel, env)
	}
	err := s.next.Write(ctx, channel, env)
	if s.o.OnWriteDone != nil {
		s.o.OnWriteDone(ctx, channel, env, err)
	}
	return err
}

func (s *observed) Error(ctx context.Context, channel string, reason error) error {
	if s.o.OnError != nil {
		s.o.OnError(ctx, channel, reason)
	}
	return s.next.Error(ctx, channel, reason)
}

func (s *observed) Close() error {
	err := s.next.Close()
	if s.o.OnClose != nil {
		s.o.OnClose(err)
	}
	return err
}

type observedIterable struct {
	ctx     context.Context
	channel string
	src     stream.Iterable[*chunk.Chunk]
	onRead  func(context.Context, string, *chunk.Chunk)
}

func (oi *observedIterable) Iter() stream.Iterator[*chunk.Chunk] {
	return &observedIterator{oi: oi, it: oi.src.Iter()}
}

type observedIterator struct {
	oi *observedIterable
	it stream.Iterator[*chunk.Chunk]
}

func (o *observedIterator) Next() (*chunk.Chunk, error) {
	c, err := o.it.Next()
	if err == nil {
		o.oi.onRead(o.oi.ctx, o.oi.channel, c)
	}
	return c, err
}

func (o *observedIterator) Close() error {
	return o.it.Close()
}
