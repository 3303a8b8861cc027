package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LinkLimiter applies a per-device byte-rate limit to traffic forwarded
// over a device's relay link, so one noisy or malicious tunnel can't
// starve the relay's bandwidth to every other device. Adapted from the
// teacher's per-user BandwidthMeter; keyed by device serial instead of
// user ID since the relay has no notion of an end user.
type LinkLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewLinkLimiter creates a limiter with the given sustained rate
// (bytes/sec) and burst (bytes).
func NewLinkLimiter(bytesPerSec, burst int) *LinkLimiter {
	return &LinkLimiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

// Wait blocks until serial's limiter allows n bytes, or ctx is done.
// Requests larger than the burst are chunked so WaitN never rejects them
// outright for exceeding the bucket size.
func (l *LinkLimiter) Wait(ctx context.Context, serial string, n int) error {
	lim := l.limiterFor(serial)
	for n > 0 {
		chunk := n
		if chunk > l.burst {
			chunk = l.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (l *LinkLimiter) limiterFor(serial string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[serial]
	if !ok {
		lim = rate.NewLimiter(l.rateVal, l.burst)
		l.limiters[serial] = lim
	}
	return lim
}

// Forget drops a serial's limiter state, called when a device disconnects
// so the map doesn't grow unboundedly across reconnect churn.
func (l *LinkLimiter) Forget(serial string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, serial)
}

// IPRateLimiter throttles incoming proxied requests per caller IP, the
// same "friends and family" abuse guard the teacher applies to its auth
// and mutating API endpoints, generalized to every proxied request here.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter and starts a background
// goroutine that evicts entries idle for more than 10 minutes.
func NewIPRateLimiter(reqPerSec float64, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go rl.evictLoop()
	return rl
}

func (rl *IPRateLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for ip, l := range rl.limiters {
			if time.Since(l.lastSeen) > 10*time.Minute {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether a request from ip is within its rate limit.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()
	return l.lim.Allow()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
