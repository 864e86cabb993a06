package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimitInfo configures the per-caller token bucket on the protocol
// endpoint. Refill rate is MaxRequests/WindowSeconds; Burst is the bucket
// capacity.
type RateLimitInfo struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimit is generous: sync clients poll, they do not stream.
var DefaultRateLimit = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   300,
	Burst:         60,
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// allow consumes one token if available. Returns the wait until the next
// token when the bucket is empty.
func (tb *tokenBucket) allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}
	wait := time.Duration((1.0 - tb.tokens) / tb.refillRate * float64(time.Second))
	return false, wait
}

// rateLimiter holds one bucket per caller identity. Buckets idle for an hour
// are dropped by the cleanup loop, which runs until stop is called.
type rateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*tokenBucket
	config   RateLimitInfo
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiter(config RateLimitInfo) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// stop ends the cleanup loop. Safe to call more than once; the limiter keeps
// serving allow decisions afterwards.
func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *rateLimiter) bucket(caller string) *tokenBucket {
	rl.mu.RLock()
	tb, ok := rl.buckets[caller]
	rl.mu.RUnlock()
	if ok {
		return tb
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if tb, ok := rl.buckets[caller]; ok {
		return tb
	}

	tb = &tokenBucket{
		tokens:     float64(rl.config.Burst),
		capacity:   float64(rl.config.Burst),
		refillRate: float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds),
		lastRefill: time.Now(),
	}
	rl.buckets[caller] = tb
	return tb
}

func (rl *rateLimiter) allow(caller string) (bool, time.Duration) {
	return rl.bucket(caller).allow()
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		for caller, tb := range rl.buckets {
			tb.mu.Lock()
			if time.Since(tb.lastRefill) > time.Hour {
				delete(rl.buckets, caller)
			}
			tb.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// rateLimitMiddleware throttles by account email, falling back to the remote
// address for requests that carry no credentials. Rejections happen at the
// transport level, before the protocol envelope engages.
func rateLimitMiddleware(limiter *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := r.URL.Query().Get("email")
			if caller == "" {
				caller = r.RemoteAddr
			}

			allowed, wait := limiter.allow(caller)
			if !allowed {
				retryAfter := int(wait.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().Str("caller", caller).Int("retry_after", retryAfter).
					Msg("rate limit exceeded")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
