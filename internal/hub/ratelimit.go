package hub

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a token bucket for inbound bridge traffic: burst tokens up
// front, refilled continuously at ratePerMinute.
type RateLimiter struct {
	mu       sync.Mutex
	capacity float64
	perSec   float64
	avail    float64
	updated  time.Time
	now      func() time.Time
}

func NewRateLimiter(burst int, ratePerMinute float64) *RateLimiter {
	return newRateLimiter(burst, ratePerMinute, time.Now)
}

func newRateLimiter(burst int, ratePerMinute float64, now func() time.Time) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return &RateLimiter{
		capacity: float64(burst),
		perSec:   ratePerMinute / 60,
		avail:    float64(burst),
		updated:  now(),
		now:      now,
	}
}

// reserve takes a token if one is available and otherwise reports how long
// until the next one.
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	t := rl.now()
	rl.avail = math.Min(rl.capacity, rl.avail+t.Sub(rl.updated).Seconds()*rl.perSec)
	rl.updated = t
	if rl.avail >= 1 {
		rl.avail--
		return 0, true
	}
	return time.Duration((1 - rl.avail) / rl.perSec * float64(time.Second)), false
}

// Allow takes a token without waiting.
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.reserve()
	return ok
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		delay, ok := rl.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// chatLimiters hands out one RateLimiter per chat.
type chatLimiters struct {
	mu            sync.Mutex
	byChat        map[string]*RateLimiter
	burst         int
	ratePerMinute float64
}

func newChatLimiters(burst int, ratePerMinute float64) *chatLimiters {
	return &chatLimiters{
		byChat:        make(map[string]*RateLimiter),
		burst:         burst,
		ratePerMinute: ratePerMinute,
	}
}

func (c *chatLimiters) get(chatID string) *RateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rl, ok := c.byChat[chatID]; ok {
		return rl
	}
	rl := NewRateLimiter(c.burst, c.ratePerMinute)
	c.byChat[chatID] = rl
	return rl
}
