package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimiter caps how many sends a session may issue inside a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[uuid.UUID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[uuid.UUID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(sessionID uuid.UUID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sessionID]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[sessionID] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[sessionID] = fresh

	return true
}

// Forget drops a session's window on disconnect.
func (rl *RateLimiter) Forget(sessionID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sessionID)
}
