package session

import (
	"errors"
	"fmt"

	"github.com/haivivi/chunkflow/pkg/chunk"
)

var (
	// ErrOutOfOrder is wrapped by every OrderError.
	ErrOutOfOrder = errors.New("session: out-of-order envelope")

	// ErrUnknownChannel is returned when reporting an error on a channel
	// that was never read or written.
	ErrUnknownChannel = errors.New("session: unknown channel")

	// ErrChannelClosed is returned when writing to a channel whose stream
	// has already been closed or failed.
	ErrChannelClosed = errors.New("session: channel closed")

	// ErrClosed is returned by every operation after the session is closed.
	ErrClosed = errors.New("session: closed")
)

// Envelope is one sequenced write to a channel.
//
// Seq must be exactly one more than the channel's previous Seq, starting at
// 0. Continued=false marks the last envelope of the channel: its payload, if
// any, is delivered and then the channel's stream is closed.
type Envelope struct {
	Seq       int64        `json:"seq" msgpack:"seq"`
	Continued bool         `json:"continued" msgpack:"continued"`
	Payload   *chunk.Chunk `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// IsCloseOnly reports whether e only closes its channel.
func (e Envelope) IsCloseOnly() bool {
	return e.Payload == nil && !e.Continued
}

// OrderError reports an envelope whose Seq does not follow the channel's
// last accepted Seq.
type OrderError struct {
	Channel string
	Want    int64
	Got     int64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("session: sequence violation on channel %q: expected %d, got %d", e.Channel, e.Want, e.Got)
}

func (e *OrderError) Unwrap() error {
	return ErrOutOfOrder
}
