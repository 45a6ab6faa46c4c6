package session

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haivivi/chunkflow/pkg/chunk"
)

const namespace = "chunkflow"

// Metrics holds the Prometheus collectors updated by its middleware.
type Metrics struct {
	// envelopesTotal counts write attempts by outcome.
	envelopesTotal *prometheus.CounterVec

	// chunksWritten counts payloads accepted, by content kind.
	chunksWritten *prometheus.CounterVec

	// chunksRead counts values delivered to readers.
	chunksRead prometheus.Counter

	// channelErrors counts error reports.
	channelErrors prometheus.Counter

	// sessionsClosed counts closed sessions.
	sessionsClosed prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Total number of envelopes written to session channels",
			},
			[]string{"result"}, // result: accepted, out_of_order, channel_closed, error
		),
		chunksWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_written_total",
				Help:      "Total number of chunks accepted into session channels",
			},
			[]string{"kind"}, // kind: text, blob, ref
		),
		chunksRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_read_total",
				Help:      "Total number of chunks delivered to channel readers",
			},
		),
		channelErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_errors_total",
				Help:      "Total number of errors reported on session channels",
			},
		),
		sessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of closed sessions",
			},
		),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.envelopesTotal,
		m.chunksWritten,
		m.chunksRead,
		m.channelErrors,
		m.sessionsClosed,
	}
}

func writeResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	}
	return "error"
}

func partKind(c *chunk.Chunk) string {
	switch c.Part.(type) {
	case chunk.Text:
		return "text"
	case *chunk.Blob:
		return "blob"
	case *chunk.Ref:
		return "ref"
	}
	return "unknown"
}

// Middleware returns a Middleware that records session traffic in m.
func (m *Metrics) Middleware() Middleware {
	return Observe(Observer{
		OnRead: func(context.Context, string, *chunk.Chunk) {
			m.chunksRead.Inc()
		},
		OnWriteDone: func(_ context.Context, _ string, env Envelope, err error) {
			m.envelopesTotal.WithLabelValues(writeResult(err)).Inc()
			if err == nil && env.Payload != nil {
				m.chunksWritten.WithLabelValues(partKind(env.Payload)).Inc()
			}
		},
		OnError: func(context.Context, string, error) {
			m.channelErrors.Inc()
		},
		OnClose: func(error) {
			m.sessionsClosed.Inc()
		},
	})
}
