package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterClass is one per-IP rate budget. Read traffic and challenge writes
// get separate classes so a feed-polling client cannot starve joins and a
// join storm from one address cannot hammer Firestore transactions.
type limiterClass struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

var (
	// General API traffic: feed refreshes and join bursts after a share
	// link are spiky; sustained rate stays modest.
	apiLimits = &limiterClass{visitors: make(map[string]*visitor), limit: 5, burst: 30}

	// Challenge create/join: each one is a Firestore transaction with a
	// notification fan-out behind it, and no legitimate client issues them
	// in bursts.
	writeLimits = &limiterClass{visitors: make(map[string]*visitor), limit: 1, burst: 5}
)

func RateLimitMiddleware(next http.Handler) http.Handler {
	return limitWith(apiLimits, next)
}

// WriteRateLimitMiddleware wraps the mutating challenge endpoints with the
// tighter budget. It stacks on top of the general limiter.
func WriteRateLimitMiddleware(next http.Handler) http.Handler {
	return limitWith(writeLimits, next)
}

func limitWith(class *limiterClass, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip, _, _ = net.SplitHostPort(r.RemoteAddr)
		}

		if !class.getLimiter(ip).Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *limiterClass) getLimiter(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, exists := c.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(c.limit, c.burst)
		c.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (c *limiterClass) cleanup() {
	c.mu.Lock()
	for ip, v := range c.visitors {
		if time.Since(v.lastSeen) > 3*time.Minute {
			delete(c.visitors, ip)
		}
	}
	c.mu.Unlock()
}

func CleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		apiLimits.cleanup()
		writeLimits.cleanup()
	}
}
