package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/chunkflow/pkg/buffer"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/session"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("wire: connection closed")

var _ session.Store = (*Conn)(nil)

// DialOption configures Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	codec            Codec
	header           http.Header
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// WithCodec selects the frame encoding. The default is JSON.
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) DialOption {
	return func(o *dialOptions) { o.header = h }
}

// WithHandshakeTimeout bounds the WebSocket handshake. The default is 10s.
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// Conn is a client connection to a remote session. It implements
// session.Store, so Writers and middleware work over it unchanged.
type Conn struct {
	ws     *websocket.Conn
	codec  Codec
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Frame
	subs    map[uint64]*buffer.Multicast[*chunk.Chunk]
	err     error

	closeOnce sync.Once
	closeCh   chan struct{}
	readDone  chan struct{}
}

// Dial connects to a session endpoint served by Handler.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{codec: JSON, handshakeTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: o.handshakeTimeout,
		Subprotocols:     []string{o.codec.Subprotocol()},
	}
	ws, resp, err := dialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wire: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wire: dial %s: %w", url, err)
	}
	c := &Conn{
		ws:       ws,
		codec:    codecFor(ws.Subprotocol()),
		logger:   o.logger,
		pending:  make(map[uint64]chan *Frame),
		subs:     make(map[uint64]*buffer.Multicast[*chunk.Chunk]),
		closeCh:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var f Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			c.logger.Warn("wire: bad frame from server", "error", err)
			continue
		}
		c.dispatch(&f)
	}
}

func (c *Conn) dispatch(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Op {
	case OpAck:
		if ch, ok := c.pending[f.ID]; ok {
			delete(c.pending, f.ID)
			ch <- f
		}
	case OpChunk:
		if m, ok := c.subs[f.ID]; ok && f.Payload != nil {
			m.Write(f.Payload)
		}
	case OpEnd:
		m, ok := c.subs[f.ID]
		if !ok {
			return
		}
		delete(c.subs, f.ID)
		if err := f.err(); err != nil {
			m.CloseWithError(err)
		} else {
			m.Close()
		}
	}
}

// shutdown fails everything waiting on the connection.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	select {
	case <-c.closeCh:
		c.err = ErrConnClosed
	default:
		c.err = fmt.Errorf("%w: %w", ErrConnClosed, cause)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, m := range c.subs {
		m.CloseWithError(c.err)
		delete(c.subs, id)
	}
}

func (c *Conn) send(f *Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(c.codec.MessageType(), data); err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

// request sends f with a fresh ID and waits for its ack.
func (c *Conn) request(ctx context.Context, f *Frame) error {
	ch := make(chan *Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return err
	}
	select {
	case ack, ok := <-ch:
		if !ok {
			return c.Err()
		}
		return ack.err()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Write sends env and waits for the server to accept or reject it.
func (c *Conn) Write(ctx context.Context, channel string, env session.Envelope) error {
	return c.request(ctx, &Frame{
		Op:        OpWrite,
		Channel:   channel,
		Seq:       env.Seq,
		Continued: env.Continued,
		Payload:   env.Payload,
	})
}

// Error fails the remote channel with reason.
func (c *Conn) Error(ctx context.Context, channel string, reason error) error {
	msg := "failed"
	if reason != nil {
		msg = reason.Error()
	}
	return c.request(ctx, &Frame{Op: OpError, Channel: channel, Error: msg})
}

// Read returns the remote channel. Each Iter call subscribes anew and
// replays the channel from its first chunk.
func (c *Conn) Read(ctx context.Context, channel string) (stream.Iterable[*chunk.Chunk], error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return &remoteChannel{c: c, channel: channel}, nil
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. The remote session stays open.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.readDone
	})
	return err
}

type remoteChannel struct {
	c       *Conn
	channel string
}

func (rc *remoteChannel) Iter() stream.Iterator[*chunk.Chunk] {
	c := rc.c
	m := buffer.NewMulticast[*chunk.Chunk]()
	it := stream.FromMulticast(m).Iter()

	c.mu.Lock()
	if c.err != nil {
		m.CloseWithError(c.err)
		c.mu.Unlock()
		return it
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = m
	c.mu.Unlock()

	if err := c.send(&Frame{Op: OpSubscribe, ID: id, Channel: rc.channel}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		m.CloseWithError(err)
	}
	return &subscription{Iterator: it, c: c, id: id, m: m}
}

// subscription unsubscribes when its reader abandons it.
type subscription struct {
	stream.Iterator[*chunk.Chunk]
	c  *Conn
	id uint64
	m  *buffer.Multicast[*chunk.Chunk]

	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		_, live := s.c.subs[s.id]
		delete(s.c.subs, s.id)
		s.c.mu.Unlock()
		if live {
			if err := s.c.send(&Frame{Op: OpUnsubscribe, ID: s.id}); err != nil {
				s.c.logger.Debug("wire: unsubscribe failed", "id", s.id, "error", err)
			}
		}
	})
	return s.Iterator.Close()
}
