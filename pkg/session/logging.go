package session

import (
	"context"
	"log/slog"

	"github.com/haivivi/chunkflow/pkg/chunk"
)

// Logging returns a Middleware that logs every operation to logger, or to
// slog.Default() when logger is nil. Values and accepted writes are logged at
// debug level; rejected writes and channel errors at warn level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return Observe(Observer{
		OnRead: func(ctx context.Context, channel string, c *chunk.Chunk) {
			logger.DebugContext(ctx, "session: read", append([]any{"channel", channel}, chunkAttrs(c)...)...)
		},
		OnWriteDone: func(ctx context.Context, channel string, env Envelope, err error) {
			if err != nil {
				logger.WarnContext(ctx, "session: write rejected", "channel", channel, "seq", env.Seq, "error", err)
				return
			}
			args := []any{"channel", channel, "seq", env.Seq, "continued", env.Continued}
			if env.Payload != nil {
				args = append(args, chunkAttrs(env.Payload)...)
			}
			logger.DebugContext(ctx, "session: write", args...)
		},
		OnError: func(ctx context.Context, channel string, reason error) {
			logger.WarnContext(ctx, "session: channel error", "channel", channel, "reason", reason)
		},
		OnClose: func(err error) {
			if err != nil {
				logger.Warn("session: close", "error", err)
				return
			}
			logger.Debug("session: closed")
		},
	})
}

// maxLoggedText bounds how much of a text chunk ends up in a log line.
const maxLoggedText = 64

func chunkAttrs(c *chunk.Chunk) []any {
	args := []any{"role", c.Role, "mime_type", c.ContentType()}
	switch p := c.Part.(type) {
	case chunk.Text:
		s := string(p)
		if len(s) > maxLoggedText {
			s = s[:maxLoggedText] + "..."
		}
		args = append(args, "text", s)
	case *chunk.Blob:
		args = append(args, "len", len(p.Data))
	case *chunk.Ref:
		args = append(args, "uri", p.URI)
	}
	return args
}
