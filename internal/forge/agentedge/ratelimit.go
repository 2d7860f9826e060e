package agentedge

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errTooManyRequests = errors.New("rate limit exceeded")

// hostRateLimiter grants each reporting hostname its own token bucket, the
// same per-key limiter-map shape as infrastructure/middleware.RateLimiter,
// keyed by X-Key-ID instead of user id/IP since every caller here is a
// known, signature-verified host.
type hostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newHostRateLimiter(rps float64, burst int) *hostRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &hostRateLimiter{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (l *hostRateLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// wrapRateLimit rejects requests from a hostname exceeding its bucket with
// 429 and a Retry-After hint, mirroring the teacher's rate-limit middleware
// response shape.
func wrapRateLimit(limiter *hostRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(KeyIDHeader)
		if key == "" {
			key = r.RemoteAddr
		}
		if !limiter.allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Second.Seconds())))
			writeError(w, http.StatusTooManyRequests, errTooManyRequests)
			return
		}
		next(w, r)
	}
}
