package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/kv"
	"github.com/haivivi/chunkflow/pkg/stream"
)

func tracing(name string, log *[]string) Middleware {
	return Observe(Observer{
		OnRead: func(_ context.Context, _ string, c *chunk.Chunk) {
			*log = append(*log, name+":read")
		},
		OnWrite: func(context.Context, string, Envelope) {
			*log = append(*log, name+":write")
		},
		OnError: func(context.Context, string, error) {
			*log = append(*log, name+":error")
		},
		OnClose: func(error) {
			*log = append(*log, name+":close")
		},
	})
}

func TestChain_Order(t *testing.T) {
	ctx := context.Background()
	var log []string
	s := Chain(New(), tracing("inner", &log), tracing("outer", &log))

	s.Write(ctx, "c", Envelope{Seq: 0, Continued: false, Payload: text("x")})
	src, err := s.Read(ctx, "c")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if _, err := stream.Collect(src.Iter()); err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	s.Close()

	want := []string{"outer:write", "inner:write", "inner:read", "outer:read", "inner:close", "outer:close"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestChain_NoMiddleware(t *testing.T) {
	base := New()
	if Chain(base) != Store(base) {
		t.Fatal("Chain without middleware should return base")
	}
}

func TestObserve_PassesErrorsThrough(t *testing.T) {
	ctx := context.Background()
	var log []string
	var writeErrs []error
	s := Chain(New(), tracing("a", &log), Observe(Observer{
		OnWriteDone: func(_ context.Context, _ string, _ Envelope, err error) {
			writeErrs = append(writeErrs, err)
		},
	}))

	err := s.Write(ctx, "c", Envelope{Seq: 5})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if len(writeErrs) != 1 || !errors.Is(writeErrs[0], ErrOutOfOrder) {
		t.Fatalf("observed errors = %v", writeErrs)
	}
	if err := s.Error(ctx, "missing", errors.New("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Error err = %v, want ErrUnknownChannel", err)
	}
}

func TestObserve_ReadErrorNotObservedAsValue(t *testing.T) {
	ctx := context.Background()
	reads := 0
	s := Chain(New(), Observe(Observer{
		OnRead: func(context.Context, string, *chunk.Chunk) { reads++ },
	}))
	s.Write(ctx, "c", Envelope{Seq: 0, Continued: true, Payload: text("a")})
	s.Error(ctx, "c", errors.New("fail"))

	src, _ := s.Read(ctx, "c")
	vals, err := stream.Collect(src.Iter())
	if len(vals) != 1 || err == nil {
		t.Fatalf("Collect = %v, %v", vals, err)
	}
	if reads != 1 {
		t.Fatalf("reads observed = %d, want 1", reads)
	}
}

func TestLogging(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := Chain(New(), Logging(logger))

	s.Write(ctx, "prompt", Envelope{Seq: 0, Continued: true, Payload: text("hello")})
	s.Write(ctx, "prompt", Envelope{Seq: 7})
	s.Error(ctx, "prompt", errors.New("boom"))
	src, _ := s.Read(ctx, "prompt")
	stream.Collect(src.Iter())
	s.Close()

	out := buf.String()
	for _, want := range []string{
		"session: write",
		"channel=prompt",
		"text=hello",
		"session: write rejected",
		"session: channel error",
		"reason=boom",
		"session: read",
		"session: closed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics error: %v", err)
	}
	s := Chain(New(), m.Middleware())

	s.Write(ctx, "c", Envelope{Seq: 0, Continued: true, Payload: text("a")})
	s.Write(ctx, "c", Envelope{Seq: 1, Continued: false, Payload: chunk.NewBlob(chunk.RoleUser, "audio/pcm", []byte{1})})
	s.Write(ctx, "c", Envelope{Seq: 1})
	s.Write(ctx, "c", Envelope{Seq: 2})
	s.Error(ctx, "c", errors.New("late"))
	src, _ := s.Read(ctx, "c")
	stream.Collect(src.Iter())
	s.Close()

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"accepted", m.envelopesTotal.WithLabelValues("accepted"), 2},
		{"out_of_order", m.envelopesTotal.WithLabelValues("out_of_order"), 1},
		{"channel_closed", m.envelopesTotal.WithLabelValues("channel_closed"), 1},
		{"text", m.chunksWritten.WithLabelValues("text"), 1},
		{"blob", m.chunksWritten.WithLabelValues("blob"), 1},
		{"read", m.chunksRead, 2},
		{"errors", m.channelErrors, 1},
		{"closed", m.sessionsClosed, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("registering twice succeeded, want error")
	}
}

func TestRecording(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := Chain(New(WithID("s1")), Recording(store, "s1", nil))

	s.Write(ctx, "in", Envelope{Seq: 0, Continued: true, Payload: text("a")})
	s.Write(ctx, "in", Envelope{Seq: 1, Continued: true, Payload: text("b")})
	s.Write(ctx, "in", Envelope{Seq: 5, Continued: true, Payload: text("rejected")})
	s.Write(ctx, "out:1", Envelope{Seq: 0, Continued: false})
	s.Error(ctx, "in", errors.New("fail"))

	var got []Record
	for r, err := range Records(ctx, store, "s1") {
		if err != nil {
			t.Fatalf("Records error: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 4 {
		t.Fatalf("records = %d, want 4: %+v", len(got), got)
	}

	byChannel := map[string][]Record{}
	for _, r := range got {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}
	in := byChannel["in"]
	if len(in) != 3 || in[0].Seq != 0 || in[1].Seq != 1 || in[2].Error != "fail" {
		t.Fatalf("in records = %+v", in)
	}
	if s, _ := in[1].Payload.Text(); s != "b" {
		t.Errorf("payload = %q, want b", s)
	}
	out := byChannel["out:1"]
	if len(out) != 1 || out[0].Continued || out[0].Payload != nil {
		t.Fatalf("out records = %+v", out)
	}

	n := 0
	for range Records(ctx, store, "other") {
		n++
	}
	if n != 0 {
		t.Errorf("records for other session = %d", n)
	}
}
