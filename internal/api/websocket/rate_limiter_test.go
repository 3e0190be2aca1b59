package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(3, 2)
	l.now = func() time.Time { return now }

	accepted := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			accepted++
		}
	}
	assert.Equal(t, 5, accepted, "max plus burst per window")

	now = now.Add(999 * time.Millisecond)
	assert.False(t, l.Allow(), "still inside the first window")

	now = now.Add(time.Millisecond)
	accepted = 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			accepted++
		}
	}
	assert.Equal(t, 5, accepted, "counters reset on the next window")
}

func TestRateLimiter_Defaults(t *testing.T) {
	l := NewRateLimiter(0, -1)
	assert.Equal(t, 30, l.maxPerSecond)
	assert.Equal(t, 0, l.burstSize)
}
