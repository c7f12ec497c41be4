package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle client's bucket is kept.
const visitorTTL = 3 * time.Minute

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
	rps       rate.Limit
	burst     int
	now       func() time.Time
	// trustForwarded keys clients by X-Forwarded-For. Enable only behind a proxy
	// that overwrites the header; otherwise callers can pick their own bucket.
	trustForwarded bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps, burst int) *ipLimiter {
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) >= visitorTTL {
		l.prune(now)
		l.lastPrune = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune drops idle visitors to keep the map bounded. Caller holds mu.
func (l *ipLimiter) prune(now time.Time) {
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, ip)
		}
	}
}

// middleware rejects requests over the limit with 429. A nil limiter passes everything.
func (l *ipLimiter) middleware(next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, l.trustForwarded)
		if !l.allow(ip) {
			rateLimitHits.Inc()
			loggerFrom(r).Warn("rate limit", "ip", ip)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody("Rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

// clientIP returns the peer address, or the leftmost X-Forwarded-For entry when
// trustForwarded is set.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		ip := r.Header.Get("X-Forwarded-For")
		if idx := strings.Index(ip, ","); idx >= 0 {
			ip = ip[:idx]
		}
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
