// Package server hosts the client wire protocol: WebSocket and TCP
// framing, request dispatch, per-connection state, admission control,
// and the daemon that wires every subsystem together.
package server

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/squirreldb/config"
)

// ipBucket holds one IP's token bucket, its connection count, and the
// last time it was touched.
type ipBucket struct {
	limiter     *rate.Limiter
	lastSeen    time.Time
	connections int
}

// RateLimiter enforces per-IP request rates, per-IP connection caps,
// and hands out query permits carrying a deadline.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket

	requestRate    rate.Limit
	burst          int
	maxConnections int
	queryTimeout   time.Duration
}

// NewRateLimiter builds a limiter from the limits config section,
// applying the documented defaults for zero values.
func NewRateLimiter(cfg config.LimitsConfig) *RateLimiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	maxConns := cfg.MaxConnectionsPerIP
	if maxConns <= 0 {
		maxConns = 100
	}
	timeout := time.Duration(cfg.QueryTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RateLimiter{
		buckets:        make(map[string]*ipBucket),
		requestRate:    rate.Limit(rps),
		burst:          100,
		maxConnections: maxConns,
		queryTimeout:   timeout,
	}
}

func (l *RateLimiter) bucket(ip string) *ipBucket {
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.requestRate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Allow consumes one request token for ip. When over limit it reports
// false with a retry-after hint.
func (l *RateLimiter) Allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	b := l.bucket(ip)
	l.mu.Unlock()

	reservation := b.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		// Return the token: this request is rejected, not delayed.
		reservation.Cancel()
		retryAfter := time.Duration(math.Ceil(delay.Seconds())) * time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	return true, 0
}

// AcquireConn admits a new connection for ip, honoring the per-IP cap.
func (l *RateLimiter) AcquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(ip)
	if b.connections >= l.maxConnections {
		return false
	}
	b.connections++
	return true
}

// ReleaseConn returns a connection slot.
func (l *RateLimiter) ReleaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[ip]; ok && b.connections > 0 {
		b.connections--
	}
}

// QueryPermit derives a context carrying the query deadline. The
// executor checks it before and after the SQL stage and before JS
// evaluation.
func (l *RateLimiter) QueryPermit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.queryTimeout)
}

// QueryTimeout exposes the configured permit duration.
func (l *RateLimiter) QueryTimeout() time.Duration { return l.queryTimeout }

// Cleanup drops buckets idle for ten minutes with no open connections.
func (l *RateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, b := range l.buckets {
		if b.connections == 0 && b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

// Run prunes idle buckets every minute until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
