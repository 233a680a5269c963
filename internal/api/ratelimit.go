package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimits configures per-address request throttling.
type ClientLimits struct {
	PerSecond float64
	Burst     int
	Idle      time.Duration // buckets unused this long are swept
}

// DefaultClientLimits is sized for an overlay page pulling its whole asset
// tree on load.
var DefaultClientLimits = ClientLimits{
	PerSecond: 200,
	Burst:     400,
	Idle:      10 * time.Minute,
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// ClientLimiter throttles HTTP requests per remote address. Idle buckets
// are swept from Allow, so there is no goroutine to stop.
type ClientLimiter struct {
	limits ClientLimits
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewClientLimiter creates a limiter with l; a zero Idle takes the default.
func NewClientLimiter(l ClientLimits) *ClientLimiter {
	if l.Idle <= 0 {
		l.Idle = DefaultClientLimits.Idle
	}
	return &ClientLimiter{
		limits:  l,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one more request from addr fits its bucket.
func (c *ClientLimiter) Allow(addr string) bool {
	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= c.limits.Idle {
		c.sweepLocked(now)
	}
	b, ok := c.buckets[addr]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(c.limits.PerSecond), c.limits.Burst)}
		c.buckets[addr] = b
	}
	b.seen = now
	ok = b.lim.AllowN(now, 1)
	c.mu.Unlock()

	if ok {
		c.allowed.Add(1)
	} else {
		c.rejected.Add(1)
	}
	return ok
}

func (c *ClientLimiter) sweepLocked(now time.Time) {
	for addr, b := range c.buckets {
		if now.Sub(b.seen) >= c.limits.Idle {
			delete(c.buckets, addr)
		}
	}
	c.lastSweep = now
}

// Middleware answers 429 once a client exhausts its bucket.
func (c *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Allow(remoteAddr(r)) {
			RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimiterStats is a point-in-time view of a ClientLimiter.
type LimiterStats struct {
	Allowed  uint64
	Rejected uint64
	Clients  int
}

func (c *ClientLimiter) Stats() LimiterStats {
	c.mu.Lock()
	n := len(c.buckets)
	c.mu.Unlock()
	return LimiterStats{
		Allowed:  c.allowed.Load(),
		Rejected: c.rejected.Load(),
		Clients:  n,
	}
}

// remoteAddr is the first X-Forwarded-For hop when a proxy sits in front of
// the browser source, else the peer host.
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// subscriberGate caps concurrent WebSocket subscribers per address.
type subscriberGate struct {
	max  int
	mu   sync.Mutex
	open map[string]int
}

func newSubscriberGate(max int) *subscriberGate {
	return &subscriberGate{max: max, open: make(map[string]int)}
}

func (g *subscriberGate) acquire(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[addr] >= g.max {
		return false
	}
	g.open[addr]++
	return true
}

func (g *subscriberGate) release(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[addr] <= 1 {
		delete(g.open, addr)
		return
	}
	g.open[addr]--
}
