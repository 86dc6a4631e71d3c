package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vncproxy/internal/clock"
)

// ConnectionLimiter caps concurrent bridge sessions per client IP.
type ConnectionLimiter struct {
	mu          sync.RWMutex
	connections map[string]int
	maxConn     int
}

// NewConnectionLimiter returns a limiter; maxConn <= 0 disables the cap.
func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConn > 0 && cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// UpgradeLimiter rate limits WebSocket upgrade attempts per client IP with
// a token bucket per address.
type UpgradeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*upgradeBucket
	limit    rate.Limit
	burst    int
	clock    clock.Clock
}

type upgradeBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUpgradeLimiter allows perSecond attempts per IP with the given burst.
// perSecond <= 0 disables limiting.
func NewUpgradeLimiter(perSecond float64, burst int, clk clock.Clock) *UpgradeLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &UpgradeLimiter{
		limiters: make(map[string]*upgradeBucket),
		limit:    limit,
		burst:    burst,
		clock:    clk,
	}
}

func (ul *UpgradeLimiter) Allow(ip string) bool {
	now := ul.clock.Now()

	ul.mu.Lock()
	b, ok := ul.limiters[ip]
	if !ok {
		b = &upgradeBucket{limiter: rate.NewLimiter(ul.limit, ul.burst)}
		ul.limiters[ip] = b
	}
	b.lastSeen = now
	ul.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Prune forgets buckets not used for longer than idle.
func (ul *UpgradeLimiter) Prune(idle time.Duration) int {
	now := ul.clock.Now()

	ul.mu.Lock()
	defer ul.mu.Unlock()

	removed := 0
	for ip, b := range ul.limiters {
		if now.Sub(b.lastSeen) > idle {
			delete(ul.limiters, ip)
			removed++
		}
	}
	return removed
}
