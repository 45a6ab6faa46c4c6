package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCounter(t *testing.T) {
	c := &Counter{Prefix: "s"}
	for i, want := range []string{"s0", "s1", "s2"} {
		if got := c.NewID(); got != want {
			t.Fatalf("NewID() #%d = %q, want %q", i, got, want)
		}
	}
	c.Reset()
	if got := c.NewID(); got != "s0" {
		t.Fatalf("NewID() after Reset = %q, want s0", got)
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := &Counter{}
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := c.NewID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("unique ids = %d, want 800", len(seen))
	}
}

func TestBase62(t *testing.T) {
	g := Base62{Now: func() time.Time { return time.Unix(epoch2025, 0) }}
	id := g.NewID()
	if !strings.HasPrefix(id, "0") {
		t.Errorf("id %q should start with the zero time part", id)
	}
	for _, r := range id {
		if !strings.ContainsRune(base62Chars, r) {
			t.Fatalf("id %q contains non-base62 rune %q", id, r)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Base62{}.NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestBase62Encode(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0"},
		{61, "z"},
		{62, "10"},
		{3843, "zz"},
	}
	for _, tt := range tests {
		if got := base62(tt.n); got != tt.want {
			t.Errorf("base62(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestUUID(t *testing.T) {
	id := UUID{}.NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("uuid.Parse(%q) error: %v", id, err)
	}
}

func TestOrDefault(t *testing.T) {
	if _, ok := OrDefault(nil).(Base62); !ok {
		t.Fatal("OrDefault(nil) should be Base62")
	}
	c := &Counter{}
	if OrDefault(c) != Generator(c) {
		t.Fatal("OrDefault should return the given generator")
	}
}
