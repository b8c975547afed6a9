package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"reliefdispatch/internal/metrics"
)

const headerRequestID = "X-Request-Id"

type ctxKeyRequestID struct{}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// statusRecorder captures the response code while staying usable for streaming and upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// withRequestID propagates or assigns X-Request-Id.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withObservability logs each request and records Prometheus request metrics.
func withObservability(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		route := routeLabel(r.URL.Path)
		code := strconv.Itoa(rec.code())
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(dur.Seconds())

		level := slog.LevelInfo
		switch {
		case rec.code() >= 500:
			level = slog.LevelError
		case route == "/healthz" || route == "/readyz" || route == "/metrics":
			level = slog.LevelDebug
		}
		logger.LogAttrs(r.Context(), level, "http request",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.code()),
			slog.Int("bytes", rec.bytes),
			slog.Duration("duration", dur),
			slog.String("remote", clientKey(r, nil)),
		)
	})
}

// routeLabel bounds metric label cardinality.
func routeLabel(path string) string {
	switch path {
	case "/", "/healthz", "/readyz", "/metrics", "/debug/info", "/openapi.yaml", "/openapi.json", "/docs", "/swagger",
		"/v1/areas", "/v1/trucks", "/v1/assignments", "/api/areas", "/api/trucks", "/api/assignments", "/v1/assignments/stream", "/v1/assignments/ws",
		"/v1/subscriptions", "/v1/admin/webhook-deliveries", "/v1/admin/run-metrics":
		return path
	}
	if strings.HasPrefix(path, "/v1/subscriptions/") {
		return "/v1/subscriptions/{id}"
	}
	return "other"
}

// rateLimiter keeps one token bucket per client.
type rateLimiter struct {
	rps     rate.Limit
	burst   int
	trusted []netip.Prefix
	clients *xsync.Map[string, *clientLimiter]
	seen    atomic.Uint64
	idle    time.Duration
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// newRateLimiter builds a limiter. X-Forwarded-For is only read from peers inside trusted.
func newRateLimiter(rps float64, burst int, trusted []netip.Prefix) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		trusted: trusted,
		clients: xsync.NewMap[string, *clientLimiter](),
		idle:    10 * time.Minute,
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	c, ok := l.clients.Load(key)
	if !ok {
		c, _ = l.clients.LoadOrStore(key, &clientLimiter{lim: rate.NewLimiter(l.rps, l.burst)})
	}
	c.lastSeen.Store(now.UnixNano())
	if l.seen.Add(1)%1024 == 0 {
		l.sweep(now)
	}
	return c.lim.AllowN(now, 1)
}

// sweep forgets clients idle longer than l.idle.
func (l *rateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idle).UnixNano()
	l.clients.Range(func(k string, c *clientLimiter) bool {
		if c.lastSeen.Load() < cutoff {
			l.clients.Delete(k)
		}
		return true
	})
}

func withRateLimit(l *rateLimiter, next http.Handler) http.Handler {
	if l == nil || l.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(clientKey(r, l.trusted), time.Now()) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller. The peer address is used unless the peer is a trusted proxy; then
// X-Forwarded-For is walked right to left and the first untrusted hop is the client.
func clientKey(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(trusted) == 0 || !isTrusted(host, trusted) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := host
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		client = hop
		if !isTrusted(hop, trusted) {
			break
		}
	}
	return client
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
