package wire

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/chunkflow/pkg/session"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// OpenFunc returns the store a request's connection operates on.
type OpenFunc func(r *http.Request) (session.Store, error)

// Server serves session stores over WebSocket connections.
type Server struct {
	// Open selects the store for each connection. Errors are answered with
	// 404 before the upgrade.
	Open OpenFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// CheckOrigin is passed to the upgrader. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool

	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration
}

// Handler returns a Server using open.
func Handler(open OpenFunc) *Server {
	return &Server{Open: open}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	store, err := s.Open(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	checkOrigin := s.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    subprotocols(),
		CheckOrigin:     checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("wire: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sc := &serverConn{
		ws:      ws,
		codec:   codecFor(ws.Subprotocol()),
		store:   store,
		logger:  s.logger().With("remote", r.RemoteAddr),
		timeout: s.WriteTimeout,
		subs:    make(map[uint64]stream.Stream),
	}
	if sc.timeout <= 0 {
		sc.timeout = 10 * time.Second
	}
	sc.logger.Debug("wire: connection opened", "codec", sc.codec.Subprotocol())
	sc.serve(ctx)
	cancel()
	sc.closeSubs()
	sc.wg.Wait()
	ws.Close()
	sc.logger.Debug("wire: connection closed")
}

type serverConn struct {
	ws      *websocket.Conn
	codec   Codec
	store   session.Store
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]stream.Stream
	wg   sync.WaitGroup
}

func (c *serverConn) serve(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("wire: read failed", "error", err)
			}
			return
		}
		var f Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			c.send(&Frame{Op: OpAck, Code: CodeBadFrame, Error: err.Error()})
			continue
		}
		c.handle(ctx, &f)
	}
}

func (c *serverConn) handle(ctx context.Context, f *Frame) {
	switch f.Op {
	case OpWrite:
		ack := &Frame{Op: OpAck, ID: f.ID, Channel: f.Channel, Seq: f.Seq}
		ack.setError(c.store.Write(ctx, f.Channel, f.Envelope()))
		c.send(ack)
	case OpError:
		ack := &Frame{Op: OpAck, ID: f.ID, Channel: f.Channel}
		ack.setError(c.store.Error(ctx, f.Channel, &RemoteError{Code: CodeFailed, Message: f.Error}))
		c.send(ack)
	case OpSubscribe:
		c.subscribe(ctx, f)
	case OpUnsubscribe:
		c.mu.Lock()
		it := c.subs[f.ID]
		delete(c.subs, f.ID)
		c.mu.Unlock()
		if it != nil {
			it.Close()
		}
	default:
		c.send(&Frame{Op: OpAck, ID: f.ID, Code: CodeBadFrame, Error: "unknown op " + string(f.Op)})
	}
}

func (c *serverConn) subscribe(ctx context.Context, f *Frame) {
	src, err := c.store.Read(ctx, f.Channel)
	if err != nil {
		end := &Frame{Op: OpEnd, ID: f.ID, Channel: f.Channel}
		end.setError(err)
		c.send(end)
		return
	}
	it := src.Iter()
	c.mu.Lock()
	if old := c.subs[f.ID]; old != nil {
		old.Close()
	}
	c.subs[f.ID] = it
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(f.ID, f.Channel, it)
	}()
}

// pump forwards one subscription. An iterator closed by unsubscribe or by
// the connection ending produces no end frame.
func (c *serverConn) pump(id uint64, channel string, it stream.Stream) {
	var seq int64
	for v, err := range stream.All(it) {
		if errors.Is(err, stream.ErrClosed) {
			return
		}
		if err != nil {
			end := &Frame{Op: OpEnd, ID: id, Channel: channel, Seq: seq}
			end.setError(err)
			c.send(end)
			c.forget(id, it)
			return
		}
		if !c.send(&Frame{Op: OpChunk, ID: id, Channel: channel, Seq: seq, Payload: v}) {
			return
		}
		seq++
	}
	c.send(&Frame{Op: OpEnd, ID: id, Channel: channel, Seq: seq})
	c.forget(id, it)
}

func (c *serverConn) forget(id uint64, it stream.Stream) {
	c.mu.Lock()
	if c.subs[id] == it {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *serverConn) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]stream.Stream)
	c.mu.Unlock()
	for _, it := range subs {
		it.Close()
	}
}

// send writes f and reports whether it went out.
func (c *serverConn) send(f *Frame) bool {
	data, err := c.codec.Marshal(f)
	if err != nil {
		c.logger.Error("wire: encode frame", "op", f.Op, "error", err)
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.ws.WriteMessage(c.codec.MessageType(), data); err != nil {
		c.logger.Debug("wire: write failed", "op", f.Op, "error", err)
		return false
	}
	return true
}
