package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/iago/history-synth/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultClientRPS   = 20
	defaultClientBurst = 40
	clientIdleTTL      = 3 * time.Minute
	clientSweepEvery   = time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per remote IP. Idle buckets are pruned
// inline while serving requests, so no goroutine outlives the router.
type clientLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

func newClientLimiter(rps float64, burst int, now func() time.Time) *clientLimiter {
	if rps <= 0 {
		rps = defaultClientRPS
	}
	if burst <= 0 {
		burst = defaultClientBurst
	}
	return &clientLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		now:       now,
		clients:   make(map[string]*client),
		lastSweep: now(),
	}
}

// reserve admits one request from ip, or returns how long it should back off.
func (l *clientLimiter) reserve(ip string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= clientSweepEvery {
		for key, item := range l.clients {
			if now.Sub(item.lastSeen) > clientIdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	reservation := c.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}
	reservation.CancelAt(now)
	return delay, false
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	return rateLimitWith(newClientLimiter(rps, burst, time.Now))
}

func rateLimitWith(limiter *clientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			delay, ok := limiter.reserve(extractIP(r.RemoteAddr))
			if !ok {
				metrics.HTTPThrottledTotal.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
