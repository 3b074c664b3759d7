package router

import (
	"sync"
	"time"
)

// DefaultRateLimit is the number of events a connection may send per window.
const DefaultRateLimit = 100

// RateLimiter counts events per connection in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit events per window. A non-positive limit uses
// DefaultRateLimit per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow records one event from id and reports whether it is within the limit.
func (rl *RateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, ok := rl.clients[id]
	if !ok || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[id] = &clientLimit{count: 1, windowStart: now}
		return true
	}
	if limit.count >= rl.limit {
		return false
	}
	limit.count++
	return true
}

// Forget drops the state of a closed connection.
func (rl *RateLimiter) Forget(id string) {
	rl.mu.Lock()
	delete(rl.clients, id)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, id)
		}
	}
}
