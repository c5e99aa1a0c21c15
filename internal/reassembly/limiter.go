package reassembly

import (
	"sync"
	"time"

	"firestige.xyz/lowpan/internal/core"
)

// sourceLimiter caps the fragments accepted from one link source per
// window. Counts reset when the window rolls over.
type sourceLimiter struct {
	mu           sync.Mutex
	counts       map[core.LinkAddr]int
	windowStart  time.Time
	window       time.Duration
	maxPerWindow int
}

// newSourceLimiter returns nil when max <= 0.
func newSourceLimiter(max int, window time.Duration) *sourceLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &sourceLimiter{
		counts:       make(map[core.LinkAddr]int),
		window:       window,
		maxPerWindow: max,
	}
}

func (l *sourceLimiter) allow(src core.LinkAddr, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.window {
		clear(l.counts)
		l.windowStart = now
	}
	l.counts[src]++
	return l.counts[src] <= l.maxPerWindow
}
