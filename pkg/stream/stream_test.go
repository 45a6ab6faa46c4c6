package stream

import (
	"errors"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/haivivi/chunkflow/pkg/buffer"
)

func TestFromMulticast(t *testing.T) {
	m := buffer.NewMulticast[string]()
	src := FromMulticast(m)
	m.Write("a")
	m.Write("b")
	m.Close()

	for i := 0; i < 2; i++ {
		got, err := Collect(src.Iter())
		if err != nil {
			t.Fatalf("Collect error: %v", err)
		}
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Fatalf("got %v, want [a b]", got)
		}
	}
	if m.Cursors() != 0 {
		t.Fatalf("Cursors() = %d, want 0", m.Cursors())
	}
}

func TestFromMulticast_EOFAndError(t *testing.T) {
	m := buffer.NewMulticast[int]()
	m.Write(1)
	m.Close()
	it := FromMulticast(m).Iter()
	it.Next()
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}

	m2 := buffer.NewMulticast[int]()
	reason := errors.New("fail")
	m2.CloseWithError(reason)
	if _, err := FromMulticast(m2).Iter().Next(); !errors.Is(err, reason) {
		t.Fatalf("err = %v, want %v", err, reason)
	}

	it3 := FromMulticast(buffer.NewMulticast[int]()).Iter()
	it3.Close()
	if _, err := it3.Next(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestFromSlice(t *testing.T) {
	got, err := Collect(FromSlice(1, 2, 3))
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	if _, err := Empty[int]().Next(); err != io.EOF {
		t.Fatalf("Empty Next err = %v, want io.EOF", err)
	}

	it := FromSlice(1, 2)
	it.Close()
	if _, err := it.Next(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next after Close err = %v", err)
	}
}

func seqOf(vals []int, fail error) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
		if fail != nil {
			yield(0, fail)
		}
	}
}

func TestFromSeq(t *testing.T) {
	got, err := Collect(FromSeq(seqOf([]int{1, 2, 3}, nil)))
	if err != nil || len(got) != 3 {
		t.Fatalf("Collect = %v, %v", got, err)
	}

	reason := errors.New("broken")
	got, err = Collect(FromSeq(seqOf([]int{1}, reason)))
	if !errors.Is(err, reason) || len(got) != 1 {
		t.Fatalf("Collect = %v, %v; want [1], broken", got, err)
	}

	stopped := false
	it := FromSeq[int](func(yield func(int, error) bool) {
		defer func() { stopped = true }()
		for i := 0; ; i++ {
			if !yield(i, nil) {
				return
			}
		}
	})
	it.Next()
	it.Close()
	if !stopped {
		t.Fatal("Close did not stop the sequence")
	}
	if _, err := it.Next(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next after Close err = %v", err)
	}
}

func TestAll_Break(t *testing.T) {
	m := buffer.NewMulticast[int]()
	for i := 0; i < 3; i++ {
		m.Write(i)
	}
	for v := range All(FromMulticast(m).Iter()) {
		if v == 0 {
			break
		}
	}
	if m.Cursors() != 0 {
		t.Fatalf("Cursors() = %d after break, want 0", m.Cursors())
	}
}

func TestFromSeq_CloseDuringNext(t *testing.T) {
	release := make(chan struct{})
	stopped := make(chan struct{})
	it := FromSeq[int](func(yield func(int, error) bool) {
		defer close(stopped)
		<-release
		if !yield(1, nil) {
			return
		}
		yield(2, nil)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := it.Next()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		it.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the pending Next")
	}

	close(release)
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("pending Next = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Next did not return")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sequence not stopped")
	}
}
