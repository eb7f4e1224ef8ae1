package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per client key.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	clients map[string]rateLimitEntry
	now     func() time.Time
}

type rateLimitEntry struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		window:  window,
		limit:   limit,
		clients: make(map[string]rateLimitEntry),
		now:     time.Now,
	}
}

func (l *rateLimiter) Allow(now time.Time, key string) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)
	entry, ok := l.clients[key]
	if !ok || now.Sub(entry.start) >= l.window {
		l.clients[key] = rateLimitEntry{start: now, count: 1}
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.clients[key] = entry
	return true
}

func (l *rateLimiter) cleanup(now time.Time) {
	for key, entry := range l.clients {
		if now.Sub(entry.start) >= l.window {
			delete(l.clients, key)
		}
	}
}

func (l *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.now(), clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
