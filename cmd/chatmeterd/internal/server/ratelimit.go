package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// userLimiter hands out one token bucket per user id.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newUserLimiter(perSec float64, burst int) *userLimiter {
	return &userLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *userLimiter) get(userID string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[userID]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[userID]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.limit, l.burst)
	l.limiters[userID] = lim
	return lim
}

// middleware rejects requests over the user's rate with 429. It runs after
// requireUser.
func (l *userLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(userFrom(r.Context())).Allow() {
			writeError(w, http.StatusTooManyRequests, errorBody{
				Kind:      "rate-limited",
				Message:   "too many requests",
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
