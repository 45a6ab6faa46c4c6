// Package session implements the per-channel sequenced store that actions
// read from and write to.
//
// A session owns a set of named channels. Each channel is a replayable
// buffer.Multicast of chunks plus the sequence number of the last envelope
// accepted on it. Channels come into existence on first Read or Write and
// live until the session is closed.
//
// Writes must arrive in order: the first envelope on a channel has Seq 0 and
// every following one has the previous Seq plus one. Anything else is
// rejected with an *OrderError and leaves the channel untouched.
//
// Behaviour can be layered on with Middleware, which wraps a Store and
// observes its operations.
package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/haivivi/chunkflow/pkg/buffer"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/idgen"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// Store is the set of operations a session exposes and middleware wraps.
type Store interface {
	// Read returns the channel's replayable stream, creating the channel if
	// needed. Every Iter call on the result starts a new reader at the
	// beginning of the channel.
	Read(ctx context.Context, channel string) (stream.Iterable[*chunk.Chunk], error)

	// Write validates env.Seq and forwards the payload and end-of-channel
	// signal to the channel's stream.
	Write(ctx context.Context, channel string, env Envelope) error

	// Error fails the channel's stream with reason.
	Error(ctx context.Context, channel string, reason error) error

	// Close closes every channel and releases the session.
	Close() error
}

var _ Store = (*Session)(nil)

type channelState struct {
	stream  *buffer.Multicast[*chunk.Chunk]
	lastSeq int64
}

// Session is the in-memory Store.
type Session struct {
	id string

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	ids idgen.Generator
	id  string
}

// WithIDGenerator sets the generator the session id is drawn from.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *sessionOptions) { o.ids = g }
}

// WithID sets the session id directly.
func WithID(id string) Option {
	return func(o *sessionOptions) { o.id = id }
}

// New creates an empty session.
func New(opts ...Option) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = idgen.OrDefault(o.ids).NewID()
	}
	return &Session{
		id:       o.id,
		channels: make(map[string]*channelState),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) channelLocked(name string) *channelState {
	c, ok := s.channels[name]
	if !ok {
		c = &channelState{
			stream:  buffer.NewMulticast[*chunk.Chunk](),
			lastSeq: -1,
		}
		s.channels[name] = c
	}
	return c
}

// Read implements Store.
func (s *Session) Read(ctx context.Context, channel string) (stream.Iterable[*chunk.Chunk], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return stream.FromMulticast(s.channelLocked(channel).stream), nil
}

// Write implements Store.
func (s *Session) Write(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.channels[channel]
	if !ok && env.Seq != 0 {
		return &OrderError{Channel: channel, Want: 0, Got: env.Seq}
	}
	if !ok {
		c = s.channelLocked(channel)
	}
	if want := c.lastSeq + 1; env.Seq != want {
		return &OrderError{Channel: channel, Want: want, Got: env.Seq}
	}
	if c.stream.Done() {
		return fmt.Errorf("%w: %s", ErrChannelClosed, channel)
	}
	if env.Payload != nil {
		if err := c.stream.Write(env.Payload); err != nil {
			return fmt.Errorf("session: write %s: %w", channel, err)
		}
	}
	c.lastSeq = env.Seq
	if !env.Continued {
		c.stream.Close()
	}
	return nil
}

// Error implements Store. The channel must already exist.
func (s *Session) Error(ctx context.Context, channel string, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return c.stream.CloseWithError(reason)
}

// Close implements Store. Readers of every channel see the end of their
// stream. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.channels {
		c.stream.Close()
	}
	s.channels = nil
	return nil
}

// Channels returns the names of all channels, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ChannelInfo describes the state of one channel.
type ChannelInfo struct {
	Name    string `json:"name"`
	LastSeq int64  `json:"last_seq"`
	Chunks  int    `json:"chunks"`
	Readers int    `json:"readers"`
	Closed  bool   `json:"closed"`
	Error   string `json:"error,omitempty"`
}

// Info returns the state of every channel, sorted by name.
func (s *Session) Info() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for name, c := range s.channels {
		ci := ChannelInfo{
			Name:    name,
			LastSeq: c.lastSeq,
			Chunks:  c.stream.Len(),
			Readers: c.stream.Cursors(),
			Closed:  c.stream.Done(),
		}
		if err := c.stream.Err(); err != nil {
			ci.Error = err.Error()
		}
		out = append(out, ci)
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Snapshot returns the chunks written to channel so far without waiting
// for more.
func (s *Session) Snapshot(channel string) ([]*chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return c.stream.Snapshot(), nil
}

// LastSeq returns the last accepted Seq of channel, -1 if none, and whether
// the channel exists.
func (s *Session) LastSeq(channel string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channel]
	if !ok {
		return -1, false
	}
	return c.lastSeq, true
}
