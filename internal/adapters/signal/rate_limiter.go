package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/domain"
)

// RateLimiter is a sliding window limiter per participant, used on envelope appends.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	clock    clock.Clock
}

func NewRateLimiter(limit int, interval time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    clk,
	}
}

// Allow records an attempt by pid and reports whether it fits the window.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(pid domain.ParticipantID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[pid]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[pid] = fresh
		return false
	}

	rl.history[pid] = append(fresh, now)
	return true
}
