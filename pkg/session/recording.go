package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/kv"
)

// recordPrefix is the first key segment of every record.
const recordPrefix = "rec"

// Record is one archived session event: an accepted envelope or an error
// report. Records are an audit trail and are never fed back into a session.
type Record struct {
	Session   string       `json:"session" msgpack:"session"`
	Channel   string       `json:"channel" msgpack:"channel"`
	Seq       int64        `json:"seq" msgpack:"seq"`
	Continued bool         `json:"continued" msgpack:"continued"`
	Payload   *chunk.Chunk `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Error     string       `json:"error,omitempty" msgpack:"error,omitempty"`
	At        time.Time    `json:"at" msgpack:"at"`
}

func recordKey(sessionID, channel string, seq int64) kv.Key {
	ch := base64.RawURLEncoding.EncodeToString([]byte(channel))
	if seq < 0 {
		return kv.Key{recordPrefix, sessionID, ch, "~error"}
	}
	return kv.Key{recordPrefix, sessionID, ch, fmt.Sprintf("%020d", seq)}
}

// Recording returns a Middleware that archives accepted envelopes and error
// reports of session sessionID into store. Archive failures are logged and do
// not affect the session.
func Recording(store kv.Store, sessionID string, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	put := func(ctx context.Context, r Record) {
		data, err := msgpack.Marshal(&r)
		if err != nil {
			logger.WarnContext(ctx, "session: encode record", "channel", r.Channel, "error", err)
			return
		}
		if err := store.Set(ctx, recordKey(r.Session, r.Channel, r.Seq), data); err != nil {
			logger.WarnContext(ctx, "session: store record", "channel", r.Channel, "error", err)
		}
	}
	return Observe(Observer{
		OnWriteDone: func(ctx context.Context, channel string, env Envelope, err error) {
			if err != nil {
				return
			}
			put(ctx, Record{
				Session:   sessionID,
				Channel:   channel,
				Seq:       env.Seq,
				Continued: env.Continued,
				Payload:   env.Payload,
				At:        time.Now(),
			})
		},
		OnError: func(ctx context.Context, channel string, reason error) {
			msg := "<nil>"
			if reason != nil {
				msg = reason.Error()
			}
			put(ctx, Record{
				Session: sessionID,
				Channel: channel,
				Seq:     -1,
				Error:   msg,
				At:      time.Now(),
			})
		},
	})
}

// Records lists archived records. With an empty sessionID every session is
// listed. Records of one channel come in Seq order, followed by its error
// record if any.
func Records(ctx context.Context, store kv.Store, sessionID string) iter.Seq2[Record, error] {
	prefix := kv.Key{recordPrefix}
	if sessionID != "" {
		prefix = append(prefix, sessionID)
	}
	return func(yield func(Record, error) bool) {
		for e, err := range store.List(ctx, prefix) {
			if err != nil {
				yield(Record{}, err)
				return
			}
			var r Record
			if err := msgpack.Unmarshal(e.Value, &r); err != nil {
				if !yield(Record{}, fmt.Errorf("session: decode record %s: %w", e.Key, err)) {
					return
				}
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
