package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a per-client sliding-window limiter. Timestamps older
// than the window are pruned on every check, and idle clients are swept
// from the map once per window so it cannot grow without bound.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	clients   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records a hit for the client and reports whether it is within the
// window budget.
func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	rl.sweep(now, cutoff)

	hits := rl.clients[client]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.max {
		rl.clients[client] = kept
		return false
	}
	rl.clients[client] = append(kept, now)
	return true
}

// sweep drops clients whose every hit fell out of the window. Runs at most
// once per window; callers hold the mutex.
func (rl *rateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for client, hits := range rl.clients {
		idle := true
		for _, t := range hits {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(rl.clients, client)
		}
	}
}

// middleware rejects over-budget clients with 429.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
