package session

import (
	"context"
	"errors"
	"sync"

	"github.com/haivivi/chunkflow/pkg/chunk"
)

// ErrWriterDone is returned when using a Writer after Close or Fail.
var ErrWriterDone = errors.New("session: writer done")

// Writer numbers chunks for a single channel and writes them as envelopes.
// It is the sink side of an action output.
type Writer struct {
	store   Store
	channel string

	mu   sync.Mutex
	seq  int64
	done bool
}

// NewWriter returns a Writer for channel whose first envelope has Seq 0.
func NewWriter(store Store, channel string) *Writer {
	return &Writer{store: store, channel: channel}
}

// ResumeWriter returns a Writer for a channel that already holds envelopes
// up to next-1, such as one left open by another connection.
func ResumeWriter(store Store, channel string, next int64) *Writer {
	return &Writer{store: store, channel: channel, seq: next}
}

// Channel returns the channel name.
func (w *Writer) Channel() string {
	return w.channel
}

// Write sends c as the next envelope of the channel.
func (w *Writer) Write(ctx context.Context, c *chunk.Chunk) error {
	return w.send(ctx, c, true)
}

// WriteLast sends c as the final envelope of the channel.
func (w *Writer) WriteLast(ctx context.Context, c *chunk.Chunk) error {
	return w.send(ctx, c, false)
}

// Close sends a close-only envelope. Closing a finished Writer is a no-op.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.send(ctx, nil, false); !errors.Is(err, ErrWriterDone) {
		return err
	}
	return nil
}

// Fail reports err on the channel and finishes the Writer. Failing a
// finished Writer is a no-op.
func (w *Writer) Fail(ctx context.Context, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return w.store.Error(ctx, w.channel, err)
}

// Done reports whether the Writer has been closed or failed.
func (w *Writer) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Writer) send(ctx context.Context, c *chunk.Chunk, continued bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrWriterDone
	}
	env := Envelope{Seq: w.seq, Continued: continued, Payload: c}
	if err := w.store.Write(ctx, w.channel, env); err != nil {
		return err
	}
	w.seq++
	if !continued {
		w.done = true
	}
	return nil
}
