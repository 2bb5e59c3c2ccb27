package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	apierrors "keyserve/internal/errors"
)

// ipLimiter tracks one token bucket per client IP. Idle entries are
// pruned so the map does not grow without bound under scanning traffic.
type ipLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
	lastSeen func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

const idleEviction = 10 * time.Minute

// RateLimit applies a per-IP token bucket to the wrapped handlers.
func RateLimit(rps float64, burst int, logger *slog.Logger) func(next http.Handler) http.Handler {
	l := &ipLimiter{
		clients:  make(map[string]*clientLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		lastSeen: time.Now,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				w.Header().Set("Retry-After", "60")
				render.Render(w, r, apierrors.ErrRateLimitExceeded)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.lastSeen()

	client, ok := l.clients[ip]
	if !ok {
		// Opportunistic prune keeps the map bounded without a janitor
		// goroutine.
		if len(l.clients) > 1024 {
			for k, c := range l.clients {
				if now.Sub(c.seen) > idleEviction {
					delete(l.clients, k)
				}
			}
		}
		client = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = client
	}
	client.seen = now

	return client.limiter.Allow()
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already rewritten RemoteAddr from proxy headers by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
