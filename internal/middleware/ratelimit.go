package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/httputil"
	"github.com/git-hunters/githunters/internal/logging"
)

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	logger   *logging.Logger
}

func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(requestsPerSecond),
		burst:    max(burst, 1),
		logger:   logger,
	}
}

func (rl *RateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.seen = time.Now()
	return v.bucket
}

// remoteIP drops the port so reconnects from the same host share a bucket.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// wait reserves a token and reports how long the caller would have to wait
// for it. A non-zero wait releases the reservation.
func (rl *RateLimiter) wait(ip string) time.Duration {
	res := rl.bucket(ip).Reserve()
	if !res.OK() {
		return time.Second
	}
	d := res.Delay()
	if d > 0 {
		res.Cancel()
	}
	return d
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		d := rl.wait(ip)
		if d == 0 {
			next.ServeHTTP(w, r)
			return
		}

		retry := int(math.Ceil(d.Seconds()))
		rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
			"ip":          ip,
			"method":      r.Method,
			"path":        r.URL.Path,
			"retry_after": retry,
		})
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		httputil.WriteError(w, errors.RateLimitExceeded(int(math.Ceil(float64(rl.limit))), "1s"))
	})
}

// Cleanup forgets clients idle for longer than maxIdle and returns the
// number removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// StartCleanup runs Cleanup every interval until ctx is cancelled.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := rl.Cleanup(interval); n > 0 {
					rl.logger.WithContext(ctx).WithField("removed", n).Debug("rate limiter sweep")
				}
			}
		}
	}()
}
