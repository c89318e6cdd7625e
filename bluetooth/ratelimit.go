package bluetooth

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding the command characteristic. The
// Z407 firmware drops frames written faster than it can process them, so
// command writes are limited to a sustained rate with a small burst
// allowance. Rejected commands are reported to the caller, never queued;
// the control surface retries on its own.
type RateLimiter struct {
	mu          sync.Mutex
	maxPerSec   int
	burstSize   int
	tokens      int
	lastRefill  time.Time
	minInterval time.Duration
	lastCommand time.Time
}

func NewRateLimiter(maxPerSec, burstSize int) *RateLimiter {
	if maxPerSec <= 0 {
		maxPerSec = 8
	}
	if burstSize <= 0 {
		burstSize = 3
	}
	return &RateLimiter{
		maxPerSec:   maxPerSec,
		burstSize:   burstSize,
		tokens:      burstSize,
		lastRefill:  time.Now(),
		minInterval: time.Second / time.Duration(maxPerSec),
	}
}

// Allow reports whether a command may be sent now, consuming a token if so.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.refill(now)

	if rl.tokens <= 0 {
		return false
	}
	if !rl.lastCommand.IsZero() && now.Sub(rl.lastCommand) < rl.minInterval {
		return false
	}

	rl.tokens--
	rl.lastCommand = now
	return true
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}

	add := int(elapsed.Seconds() * float64(rl.maxPerSec))
	if add > 0 {
		rl.tokens += add
		if rl.tokens > rl.burstSize {
			rl.tokens = rl.burstSize
		}
		rl.lastRefill = now
	}
}

// Reset restores the bucket to full, used when a new session connects.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.burstSize
	rl.lastRefill = time.Now()
	rl.lastCommand = time.Time{}
}

func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	return rl.tokens
}
