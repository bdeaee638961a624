package core

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifypipe/internal/types"
)

// limiterIdleTTL is how long an idle client's bucket is kept.
const limiterIdleTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ingressLimiter keeps one token bucket per client IP.
type ingressLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

func newIngressLimiter(perSecond float64, burst int, now func() time.Time) *ingressLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ingressLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     now,
		buckets: make(map[string]*clientBucket),
	}
}

// reserve takes a token for key. When none is available it returns false
// and the wait until the next token.
func (l *ingressLimiter) reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// IngressRateLimit answers 429 with Retry-After once a client exceeds its
// token bucket. The broker is the real backpressure point; this only keeps
// a single misbehaving caller from flooding it.
func (s *Server) IngressRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		ok, wait := s.limiter.reserve(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		s.Logger.Warn("ingress rate limit exceeded",
			slog.String("client_ip", ip),
			slog.String("path", r.URL.Path),
		)
		Error(w, r, types.NewAppError(types.ErrCodeRateLimited, "rate limit exceeded, retry later", nil))
	})
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
