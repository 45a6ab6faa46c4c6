package stream

import (
	"errors"
	"io"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivivi/chunkflow/pkg/buffer"
)

// counter yields 0, 1, 2, ... until closed.
type counter struct {
	n      atomic.Int64
	closed atomic.Bool
}

func (c *counter) Next() (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return int(c.n.Add(1)), nil
}

func (c *counter) Close() error {
	c.closed.Store(true)
	return nil
}

func nextWithin[T any](t *testing.T, it Iterator[T]) (T, error) {
	t.Helper()
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := it.Next()
		ch <- res{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Next blocked")
	}
	panic("unreachable")
}

func TestMerge_Empty(t *testing.T) {
	it := Merge[int]()
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("second Next err = %v, want io.EOF", err)
	}
}

func TestMerge_AllValues(t *testing.T) {
	m := buffer.NewMulticast[int]()
	for i := 10; i < 13; i++ {
		m.Write(i)
	}
	m.Close()

	it := Merge(
		FromIterator(FromSlice(1, 2, 3)),
		FromIterable(FromMulticast(m)),
		FromIterator(Empty[int]()),
	)
	got, err := Collect(it)
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	slices.Sort(got)
	want := []int{1, 2, 3, 10, 11, 12}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if m.Cursors() != 0 {
		t.Fatalf("Cursors() = %d, want 0", m.Cursors())
	}
}

func TestMerge_PerSourceOrder(t *testing.T) {
	a := FromSlice("a0", "a1", "a2", "a3")
	b := FromSlice("b0", "b1", "b2")
	got, err := Collect(Merge(FromIterator(a), FromIterator(b)))
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	var as, bs []string
	for _, v := range got {
		if v[0] == 'a' {
			as = append(as, v)
		} else {
			bs = append(bs, v)
		}
	}
	if !slices.Equal(as, []string{"a0", "a1", "a2", "a3"}) || !slices.Equal(bs, []string{"b0", "b1", "b2"}) {
		t.Fatalf("per-source order broken: %v", got)
	}
}

func TestMerge_LateSource(t *testing.T) {
	b := buffer.NewMulticast[string]()
	it := Merge(
		FromIterator(FromSlice("a1", "a2", "a3")),
		FromIterable(FromMulticast(b)),
	)
	defer it.Close()

	for i := 1; i <= 3; i++ {
		v, err := nextWithin(t, it)
		if err != nil {
			t.Fatalf("Next %d error: %v", i, err)
		}
		if v[0] != 'a' {
			t.Fatalf("Next %d = %q, want a value from A", i, v)
		}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Write("b1")
		b.Close()
	}()

	v, err := nextWithin(t, it)
	if err != nil || v != "b1" {
		t.Fatalf("Next = %q, %v; want b1", v, err)
	}
	if _, err := nextWithin(t, it); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestMerge_SourceError(t *testing.T) {
	pending := buffer.NewMulticast[int]()
	failing := buffer.NewMulticast[int]()
	failing.Write(1)
	reason := errors.New("fail")
	failing.CloseWithError(reason)

	it := Merge(FromIterable(FromMulticast(pending)), FromIterable(FromMulticast(failing)))

	v, err := nextWithin(t, it)
	if err != nil || v != 1 {
		t.Fatalf("Next = %d, %v; want 1", v, err)
	}
	if _, err := nextWithin(t, it); !errors.Is(err, reason) {
		t.Fatalf("err = %v, want %v", err, reason)
	}
	if _, err := it.Next(); !errors.Is(err, reason) {
		t.Fatalf("sticky err = %v, want %v", err, reason)
	}
	if n := pending.Cursors(); n != 0 {
		t.Fatalf("pending source still has %d cursors", n)
	}
}

func TestMerge_CloseReleasesSources(t *testing.T) {
	a := buffer.NewMulticast[int]()
	b := buffer.NewMulticast[int]()
	it := Merge(FromIterable(FromMulticast(a)), FromIterable(FromMulticast(b)))

	errc := make(chan error, 1)
	go func() {
		_, err := it.Next()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	it.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on Close")
	}
	if a.Cursors() != 0 || b.Cursors() != 0 {
		t.Fatalf("cursors left: a=%d b=%d", a.Cursors(), b.Cursors())
	}
}

func TestMerge_NoStarvation(t *testing.T) {
	fast := &counter{}
	slow := buffer.NewMulticast[int]()
	it := Merge(FromIterator[int](fast), FromIterable(FromMulticast(slow)))
	defer it.Close()

	if _, err := nextWithin(t, it); err != nil {
		t.Fatalf("Next error: %v", err)
	}
	slow.Write(-1)

	for i := 0; i < 1000; i++ {
		v, err := nextWithin(t, it)
		if err != nil {
			t.Fatalf("Next error: %v", err)
		}
		if v == -1 {
			return
		}
	}
	t.Fatal("slow source starved")
}

func TestMerge_SourceErrorWithPendingSeq(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := FromSeq[int](func(yield func(int, error) bool) {
		<-release
		yield(0, nil)
	})
	reason := errors.New("boom")
	failing := FromSeq[int](func(yield func(int, error) bool) {
		time.Sleep(50 * time.Millisecond)
		yield(0, reason)
	})

	it := Merge(FromIterator(stuck), FromIterator(failing))
	if _, err := nextWithin(t, it); !errors.Is(err, reason) {
		t.Fatalf("err = %v, want %v", err, reason)
	}
	if _, err := nextWithin(t, stuck); !errors.Is(err, ErrClosed) {
		t.Fatalf("stuck source after merge ended = %v, want ErrClosed", err)
	}
}
