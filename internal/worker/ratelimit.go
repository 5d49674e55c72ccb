package worker

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	lastUpdate time.Time
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// NewRateLimiter creates a token bucket allowing rate requests per second
// with the given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow reports whether a request should be admitted.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.requests++

	now := time.Now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	rl.rejected++
	return false
}

// PerClientRateLimiter keeps one token bucket per client address. Idle
// buckets are dropped periodically.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a per-client limiter.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow checks whether a request from the given client should be admitted.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	return pcrl.getLimiter(clientKey).Allow()
}

func (pcrl *PerClientRateLimiter) getLimiter(key string) *RateLimiter {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()

	if time.Since(pcrl.lastCleanup) > pcrl.cleanupInterval {
		pcrl.cleanupLocked()
	}

	limiter, exists := pcrl.clients[key]
	if !exists {
		limiter = NewRateLimiter(pcrl.rate, pcrl.burst)
		pcrl.clients[key] = limiter
	}
	return limiter
}

// cleanupLocked removes idle buckets. Caller holds pcrl.mu; the inner lock is
// only held long enough to read the last update time.
func (pcrl *PerClientRateLimiter) cleanupLocked() {
	now := time.Now()
	for key, limiter := range pcrl.clients {
		limiter.mu.Lock()
		idle := now.Sub(limiter.lastUpdate)
		limiter.mu.Unlock()
		if idle > pcrl.maxIdleTime {
			delete(pcrl.clients, key)
		}
	}
	pcrl.lastCleanup = now
}

// Stats returns aggregate limiter statistics.
func (pcrl *PerClientRateLimiter) Stats() map[string]any {
	pcrl.mu.Lock()
	limiters := make([]*RateLimiter, 0, len(pcrl.clients))
	for _, limiter := range pcrl.clients {
		limiters = append(limiters, limiter)
	}
	active := len(pcrl.clients)
	rate, burst := pcrl.rate, pcrl.burst
	pcrl.mu.Unlock()

	var requests, rejected int64
	for _, limiter := range limiters {
		limiter.mu.Lock()
		requests += limiter.requests
		rejected += limiter.rejected
		limiter.mu.Unlock()
	}
	return map[string]any{
		"rate":           rate,
		"burst":          burst,
		"active_clients": active,
		"total_requests": requests,
		"total_rejected": rejected,
	}
}

// PerClientRateLimitMiddleware applies per-client rate limiting, keyed by the
// real client IP when the RealIP middleware has resolved it.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.RemoteAddr
			if ip := r.Header.Get("X-Real-IP"); ip != "" {
				clientKey = ip
			}
			if !limiter.Allow(clientKey) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperationCooldown gates expensive manually triggered operations, such as an
// on-demand deletion sweep.
type OperationCooldown struct {
	last     time.Time
	cooldown time.Duration
	mu       sync.Mutex
}

// NewOperationCooldown creates a cooldown gate.
func NewOperationCooldown(cooldown time.Duration) *OperationCooldown {
	return &OperationCooldown{cooldown: cooldown}
}

// Try reports whether the operation may run now and, if so, starts the
// cooldown window.
func (oc *OperationCooldown) Try() bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	now := time.Now()
	if now.Sub(oc.last) < oc.cooldown {
		return false
	}
	oc.last = now
	return true
}

// Remaining returns how long until the next attempt is allowed.
func (oc *OperationCooldown) Remaining() time.Duration {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	remaining := oc.cooldown - time.Since(oc.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
