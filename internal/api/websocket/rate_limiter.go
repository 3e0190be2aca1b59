package websocket

import (
	"sync"
	"time"
)

// RateLimiter is a fixed one-second window counter with a separate burst
// allowance. A message is accepted while the window count is below
// maxPerSecond, or while burst budget remains. Both counters reset when a
// new window starts.
type RateLimiter struct {
	mu           sync.Mutex
	maxPerSecond int
	burstSize    int
	window       time.Duration
	windowStart  time.Time
	count        int
	burstUsed    int
	now          func() time.Time
}

func NewRateLimiter(maxPerSecond int, burstSize int) *RateLimiter {
	if maxPerSecond <= 0 {
		maxPerSecond = 30
	}
	if burstSize < 0 {
		burstSize = 0
	}
	return &RateLimiter{
		maxPerSecond: maxPerSecond,
		burstSize:    burstSize,
		window:       time.Second,
		now:          time.Now,
	}
}

// Allow records one message and reports whether it may be processed.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
		l.burstUsed = 0
	}

	if l.count < l.maxPerSecond {
		l.count++
		return true
	}
	if l.burstUsed < l.burstSize {
		l.burstUsed++
		return true
	}
	return false
}
