package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/idgen"
	"github.com/haivivi/chunkflow/pkg/stream"
)

func text(s string) *chunk.Chunk {
	return chunk.NewText(chunk.RoleUser, s)
}

func collectText(t *testing.T, src stream.Iterable[*chunk.Chunk]) (string, error) {
	t.Helper()
	var sb strings.Builder
	for c, err := range stream.All(src.Iter()) {
		if err != nil {
			return sb.String(), err
		}
		s, _ := c.Text()
		sb.WriteString(s)
	}
	return sb.String(), nil
}

func TestSession_SequenceContract(t *testing.T) {
	ctx := context.Background()
	s := New(WithID("s1"))

	for seq := int64(0); seq < 3; seq++ {
		if err := s.Write(ctx, "prompt", Envelope{Seq: seq, Continued: true, Payload: text("x")}); err != nil {
			t.Fatalf("Write seq %d error: %v", seq, err)
		}
	}

	tests := []struct {
		name string
		seq  int64
	}{
		{"repeated", 2},
		{"skipped", 4},
		{"negative", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Write(ctx, "prompt", Envelope{Seq: tt.seq, Continued: true, Payload: text("bad")})
			if !errors.Is(err, ErrOutOfOrder) {
				t.Fatalf("err = %v, want ErrOutOfOrder", err)
			}
			var oe *OrderError
			if !errors.As(err, &oe) || oe.Want != 3 || oe.Got != tt.seq || oe.Channel != "prompt" {
				t.Fatalf("OrderError = %+v", oe)
			}
			if last, _ := s.LastSeq("prompt"); last != 2 {
				t.Fatalf("LastSeq = %d, want 2", last)
			}
		})
	}

	src, _ := s.Read(ctx, "prompt")
	s.Write(ctx, "prompt", Envelope{Seq: 3})
	got, err := collectText(t, src)
	if err != nil || got != "xxx" {
		t.Fatalf("channel content = %q, %v; want xxx", got, err)
	}
}

func TestSession_FirstSeqIsZero(t *testing.T) {
	s := New()
	err := s.Write(context.Background(), "c", Envelope{Seq: 1, Continued: true})
	var oe *OrderError
	if !errors.As(err, &oe) || oe.Want != 0 {
		t.Fatalf("err = %v, want OrderError expecting 0", err)
	}
	if _, ok := s.LastSeq("c"); ok {
		t.Fatal("rejected write created the channel")
	}
	if got := s.Channels(); len(got) != 0 {
		t.Fatalf("Channels = %v, want none", got)
	}
	if err := s.Error(context.Background(), "c", errors.New("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Error after rejected write = %v, want ErrUnknownChannel", err)
	}
	if err := s.Write(context.Background(), "c", Envelope{Seq: 0, Continued: true}); err != nil {
		t.Fatalf("Write seq 0 error: %v", err)
	}
}

func TestSession_CloseOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, err := s.Read(ctx, "out")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if err := s.Write(ctx, "out", Envelope{Seq: 0, Continued: false}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	vals, err := stream.Collect(src.Iter())
	if err != nil || len(vals) != 0 {
		t.Fatalf("Collect = %v, %v; want no values", vals, err)
	}
}

func TestSession_FinalPayloadDelivered(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Write(ctx, "c", Envelope{Seq: 0, Continued: true, Payload: text("a")})
	s.Write(ctx, "c", Envelope{Seq: 1, Continued: false, Payload: text("b")})

	src, _ := s.Read(ctx, "c")
	got, err := collectText(t, src)
	if err != nil || got != "ab" {
		t.Fatalf("got %q, %v; want ab", got, err)
	}

	err = s.Write(ctx, "c", Envelope{Seq: 2, Continued: true, Payload: text("c")})
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("write after final err = %v, want ErrChannelClosed", err)
	}
	if last, _ := s.LastSeq("c"); last != 1 {
		t.Fatalf("LastSeq = %d, want 1", last)
	}
}

func TestSession_LateReaders(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Write(ctx, "c", Envelope{Seq: 0, Continued: true, Payload: text("hello")})

	src, _ := s.Read(ctx, "c")
	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = collectText(t, src)
		}()
	}
	s.Write(ctx, "c", Envelope{Seq: 1, Continued: false, Payload: text(" there")})
	wg.Wait()

	for i, got := range results {
		if got != "hello there" {
			t.Errorf("reader %d = %q, want %q", i, got, "hello there")
		}
	}
	late, _ := s.Read(ctx, "c")
	if got, _ := collectText(t, late); got != "hello there" {
		t.Errorf("late reader = %q", got)
	}
}

func TestSession_Error(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Error(ctx, "nope", errors.New("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Error on unknown channel = %v, want ErrUnknownChannel", err)
	}

	s.Write(ctx, "c", Envelope{Seq: 0, Continued: true, Payload: text("hello")})
	reason := errors.New("fail")
	if err := s.Error(ctx, "c", reason); err != nil {
		t.Fatalf("Error error: %v", err)
	}

	src, _ := s.Read(ctx, "c")
	got, err := collectText(t, src)
	if got != "hello" || !errors.Is(err, reason) {
		t.Fatalf("got %q, %v; want hello then fail", got, err)
	}
}

func TestSession_ErrorCreatedByRead(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, _ := s.Read(ctx, "c")
	it := src.Iter()
	defer it.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := it.Next()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	reason := errors.New("upstream failed")
	if err := s.Error(ctx, "c", reason); err != nil {
		t.Fatalf("Error error: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, reason) {
			t.Fatalf("err = %v, want %v", err, reason)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Error")
	}
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Read(ctx, "a")
	s.Write(ctx, "b", Envelope{Seq: 0, Continued: true, Payload: text("x")})

	if got := s.Channels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Channels() = %v", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if vals, err := stream.Collect(a.Iter()); err != nil || len(vals) != 0 {
		t.Fatalf("reader after Close = %v, %v", vals, err)
	}
	if _, err := s.Read(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close err = %v", err)
	}
	if err := s.Write(ctx, "b", Envelope{Seq: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close err = %v", err)
	}
	if err := s.Error(ctx, "b", errors.New("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Error after Close err = %v", err)
	}
	if len(s.Channels()) != 0 {
		t.Errorf("Channels() after Close = %v", s.Channels())
	}
}

func TestSession_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	if err := s.Write(ctx, "c", Envelope{Seq: 0}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, ok := s.LastSeq("c"); ok {
		t.Fatal("canceled write created the channel")
	}
}

func TestSession_ID(t *testing.T) {
	ids := &idgen.Counter{Prefix: "sess-"}
	if got := New(WithIDGenerator(ids)).ID(); got != "sess-0" {
		t.Errorf("ID() = %q, want sess-0", got)
	}
	if got := New(WithIDGenerator(ids)).ID(); got != "sess-1" {
		t.Errorf("ID() = %q, want sess-1", got)
	}
	if got := New(WithID("fixed")).ID(); got != "fixed" {
		t.Errorf("ID() = %q, want fixed", got)
	}
	if New().ID() == "" {
		t.Error("default ID is empty")
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	var wrapped int
	r := NewRegistry(func(s *Session) Store {
		wrapped++
		return Chain(s)
	})

	a := r.Get("a")
	if r.Get("a") != a || wrapped != 1 {
		t.Fatalf("Get did not reuse session a (wrapped %d)", wrapped)
	}
	r.Get("b")
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs = %v", ids)
	}
	if err := a.Write(ctx, "ch", Envelope{Seq: 0, Continued: true, Payload: text("x")}); err != nil {
		t.Fatal(err)
	}
	if sess, ok := r.Lookup("a"); !ok || sess.ID() != "a" || len(sess.Channels()) != 1 {
		t.Fatalf("Lookup(a) = %v, %v", sess, ok)
	}

	if err := r.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := a.Write(ctx, "ch", Envelope{Seq: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after Remove = %v, want ErrClosed", err)
	}
	if _, ok := r.Lookup("a"); ok {
		t.Fatal("removed session still registered")
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("c").Read(ctx, "ch"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read on session from closed registry = %v, want ErrClosed", err)
	}
}

func TestSession_InfoAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := NewWriter(s, "b")
	w.Write(ctx, text("x"))
	w.Write(ctx, text("y"))
	NewWriter(s, "a").WriteLast(ctx, text("z"))
	s.Read(ctx, "c")
	s.Error(ctx, "c", errors.New("boom"))

	info := s.Info()
	if len(info) != 3 || info[0].Name != "a" || info[1].Name != "b" || info[2].Name != "c" {
		t.Fatalf("Info = %+v", info)
	}
	if !info[0].Closed || info[0].LastSeq != 0 || info[0].Chunks != 1 {
		t.Errorf("a = %+v", info[0])
	}
	if info[1].Closed || info[1].LastSeq != 1 || info[1].Chunks != 2 {
		t.Errorf("b = %+v", info[1])
	}
	if !info[2].Closed || info[2].LastSeq != -1 || info[2].Error != "boom" {
		t.Errorf("c = %+v", info[2])
	}

	snap, err := s.Snapshot("b")
	if err != nil || len(snap) != 2 {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	if _, err := s.Snapshot("nope"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Snapshot(nope) err = %v", err)
	}
}
