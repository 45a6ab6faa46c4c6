// Package idgen provides identifier generators that components receive as a
// dependency instead of sharing process-wide counters.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator returns a new identifier on every call. Implementations must be
// safe for concurrent use.
type Generator interface {
	NewID() string
}

// Func adapts a function to Generator.
type Func func() string

func (f Func) NewID() string { return f() }

// UUID generates random (version 4) UUID strings.
type UUID struct{}

func (UUID) NewID() string {
	return uuid.New().String()
}

// epoch2025 is 2025-01-01 00:00:00 UTC; Base62 ids count seconds from it.
const epoch2025 int64 = 1735689600

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Base62 generates short, roughly time-ordered ids: base62 seconds since
// 2025-01-01 followed by base62 of 6 random bytes.
type Base62 struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (g Base62) NewID() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	secs := now().Unix() - epoch2025
	if secs < 0 {
		secs = 0
	}

	var rnd [6]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	var n uint64
	for _, b := range rnd {
		n = n<<8 | uint64(b)
	}
	return base62(uint64(secs)) + base62(n)
}

func base62(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62Chars[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// Counter generates Prefix followed by an increasing number starting at 0.
// It is deterministic and meant for tests and local tooling.
type Counter struct {
	Prefix string

	mu sync.Mutex
	n  uint64
}

func (c *Counter) NewID() string {
	c.mu.Lock()
	n := c.n
	c.n++
	c.mu.Unlock()
	return c.Prefix + strconv.FormatUint(n, 10)
}

// Reset restarts the sequence at 0.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.n = 0
	c.mu.Unlock()
}

// OrDefault returns g, or a Base62 generator when g is nil.
func OrDefault(g Generator) Generator {
	if g == nil {
		return Base62{}
	}
	return g
}
