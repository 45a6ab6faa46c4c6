// Package wire carries session operations over a WebSocket.
//
// A client connection is itself a session.Store: writes and channel errors
// are sent as frames and acknowledged by the server, and reads subscribe to
// a channel on the server and replay it from the beginning. Frames are JSON
// text messages or msgpack binary messages, negotiated through the
// WebSocket subprotocol.
//
//	http.Handle("/sessions/{id}", wire.Handler(func(r *http.Request) (session.Store, error) {
//		return registry.Get(r.PathValue("id")), nil
//	}))
//
//	conn, err := wire.Dial(ctx, "ws://localhost:8080/sessions/demo")
//	w := session.NewWriter(conn, "prompt")
//	w.WriteLast(ctx, chunk.NewText(chunk.RoleUser, "hello"))
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/session"
)

// Op is the operation a frame carries.
type Op string

const (
	// Client to server.
	OpWrite       Op = "write"
	OpError       Op = "error"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"

	// Server to client.
	OpAck   Op = "ack"
	OpChunk Op = "chunk"
	OpEnd   Op = "end"
)

// Error codes carried by ack and end frames.
const (
	CodeOutOfOrder     = "out_of_order"
	CodeUnknownChannel = "unknown_channel"
	CodeChannelClosed  = "channel_closed"
	CodeClosed         = "closed"
	CodeBadFrame       = "bad_frame"
	CodeFailed         = "failed"
)

// Frame is one message on the connection.
//
// ID pairs a write or error with its ack, and a subscribe with the chunk and
// end frames it produces. For writes Seq and Continued are the envelope's;
// for chunk frames Seq is the chunk's index in the channel. Want is set on
// out-of-order acks.
type Frame struct {
	Op        Op           `json:"op" msgpack:"op"`
	ID        uint64       `json:"id,omitempty" msgpack:"id,omitempty"`
	Channel   string       `json:"channel,omitempty" msgpack:"channel,omitempty"`
	Seq       int64        `json:"seq" msgpack:"seq"`
	Continued bool         `json:"continued,omitempty" msgpack:"continued,omitempty"`
	Payload   *chunk.Chunk `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Code      string       `json:"code,omitempty" msgpack:"code,omitempty"`
	Error     string       `json:"error,omitempty" msgpack:"error,omitempty"`
	Want      int64        `json:"want,omitempty" msgpack:"want,omitempty"`
}

// Envelope returns the session envelope of a write frame.
func (f *Frame) Envelope() session.Envelope {
	return session.Envelope{Seq: f.Seq, Continued: f.Continued, Payload: f.Payload}
}

// setError records err on f with the code matching its session error.
func (f *Frame) setError(err error) {
	if err == nil {
		return
	}
	f.Error = err.Error()
	var oe *session.OrderError
	switch {
	case errors.As(err, &oe):
		f.Code = CodeOutOfOrder
		f.Want = oe.Want
	case errors.Is(err, session.ErrUnknownChannel):
		f.Code = CodeUnknownChannel
	case errors.Is(err, session.ErrChannelClosed):
		f.Code = CodeChannelClosed
	case errors.Is(err, session.ErrClosed):
		f.Code = CodeClosed
	default:
		f.Code = CodeFailed
	}
}

// err rebuilds the error carried by f, or nil.
func (f *Frame) err() error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	if f.Code == CodeOutOfOrder {
		return &session.OrderError{Channel: f.Channel, Want: f.Want, Got: f.Seq}
	}
	return &RemoteError{Code: f.Code, Message: f.Error}
}

// RemoteError is an error reported by the other end of a connection.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wire: remote %s: %s", e.Code, e.Message)
}

// Is maps error codes back to the session errors they were built from.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case session.ErrUnknownChannel:
		return e.Code == CodeUnknownChannel
	case session.ErrChannelClosed:
		return e.Code == CodeChannelClosed
	case session.ErrClosed:
		return e.Code == CodeClosed
	}
	return false
}

// Codec encodes frames into WebSocket messages.
type Codec interface {
	// Subprotocol is the WebSocket subprotocol that selects the codec.
	Subprotocol() string

	// MessageType is websocket.TextMessage or websocket.BinaryMessage.
	MessageType() int

	Marshal(f *Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

var (
	// JSON encodes frames as JSON text messages.
	JSON Codec = jsonCodec{}

	// Msgpack encodes frames as msgpack binary messages.
	Msgpack Codec = msgpackCodec{}
)

var codecs = []Codec{Msgpack, JSON}

func subprotocols() []string {
	out := make([]string, len(codecs))
	for i, c := range codecs {
		out[i] = c.Subprotocol()
	}
	return out
}

// codecFor returns the codec for a negotiated subprotocol. An empty or
// unknown subprotocol selects JSON.
func codecFor(subprotocol string) Codec {
	for _, c := range codecs {
		if c.Subprotocol() == subprotocol {
			return c
		}
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return "chunkflow.json" }
func (jsonCodec) MessageType() int    { return websocket.TextMessage }

func (jsonCodec) Marshal(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (jsonCodec) Unmarshal(data []byte, f *Frame) error {
	return json.Unmarshal(data, f)
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return "chunkflow.msgpack" }
func (msgpackCodec) MessageType() int    { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func (msgpackCodec) Unmarshal(data []byte, f *Frame) error {
	return msgpack.Unmarshal(data, f)
}
