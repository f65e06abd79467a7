package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/auth"
	"github.com/org/soaportal/internal/policy"
	"github.com/org/soaportal/pkg/models"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticator resolves a bearer token to its session and user.
type Authenticator interface {
	Authenticate(ctx context.Context, plaintext string) (*models.Session, *models.User, error)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authMiddleware validates the bearer token and attaches the user and session
// to the context.
func authMiddleware(sessions Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := bearerToken(r)
			if plaintext == "" {
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			sess, user, err := sessions.Authenticate(r.Context(), plaintext)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidSession) && !errors.Is(err, auth.ErrSessionExpired) &&
					!errors.Is(err, auth.ErrSessionRevoked) {
					log.Error().Err(err).Msg("authenticating session")
				}
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			if st := auditStateFromCtx(r.Context()); st != nil {
				id := user.ID
				st.userID = &id
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user, sess)))
		})
	}
}

// policyMiddleware checks the caller's role policy for the request path. The
// capability needed follows from the HTTP method.
func policyMiddleware(engine *policy.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFromCtx(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			if !engine.RoleAllowed(r.Context(), user.Role, policy.CapabilityForMethod(r.Method), r.URL.Path) {
				writeError(w, http.StatusForbidden, "This action is unauthorized.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// auditMiddleware records every request and its response code.
func auditMiddleware(auditor AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			st := &auditState{}
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r.WithContext(withAuditState(r.Context(), st)))

			auditor.LogRequest(r.Context(), &models.AuditEntry{
				RequestID:      requestIDFromCtx(r.Context()),
				UserID:         st.userID,
				Operation:      r.Method,
				Path:           r.URL.Path,
				Status:         http.StatusText(rr.statusCode),
				ResponseCode:   rr.statusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				ClientIP:       clientIP(r),
			})
		})
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      int // requests per second
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// sweepInterval bounds how often idle buckets are looked for.
const sweepInterval = time.Minute

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
		now:     time.Now,
	}
}

// refillTime is how long an untouched bucket takes to fill up again. A bucket
// idle that long is indistinguishable from a new one.
func (rl *rateLimiter) refillTime() time.Duration {
	return time.Duration(float64(rl.burst) / float64(rl.rate) * float64(time.Second))
}

// sweep drops full idle buckets. Callers hold rl.mu.
func (rl *rateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now
	idle := rl.refillTime()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastCheck) >= idle {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.sweep(now)
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[ip] = b
	}
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "Too Many Attempts.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// proxyTrust decides which X-Forwarded-For hops can be believed. With no
// trusted proxies the header is ignored.
type proxyTrust struct {
	trusted []netip.Prefix
}

func newProxyTrust(cidrs []string) (*proxyTrust, error) {
	p := &proxyTrust{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
			}
			p.trusted = append(p.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		p.trusted = append(p.trusted, prefix.Masked())
	}
	return p, nil
}

func (p *proxyTrust) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// resolve returns the peer address, or, when the peer is a trusted proxy, the
// right-most X-Forwarded-For hop that is not itself a trusted proxy.
func (p *proxyTrust) resolve(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !p.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		if !p.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

// clientIPMiddleware resolves the caller's address once for the rate limiter,
// audit log and handlers.
func clientIPMiddleware(p *proxyTrust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withClientIP(r.Context(), p.resolve(r))))
		})
	}
}

// clientIP returns the address resolved by clientIPMiddleware, falling back to
// RemoteAddr without its port.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxKeyClientIP).(string); ok {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
