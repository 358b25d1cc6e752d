package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"taskforge/internal/ctxkeys"
)

// requestIDMiddleware stamps every request with a correlation id, stored on
// the typed ctxkeys package so the router and store can read it too.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ctxkeys.RequestIDHeader)
		if id == "" {
			var err error
			id, err = generateRequestID()
			if err != nil {
				id = time.Now().UTC().Format("20060102T150405.000000000Z07:00")
			}
		}
		w.Header().Set(ctxkeys.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxkeys.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// loggingMiddleware logs method, path, status, and duration via zerolog and
// records the matching http_requests_total/http_request_duration_seconds
// prometheus observations, keyed by the request id bound earlier in the
// chain.
func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			endpoint := routePatternOr(r, r.URL.Path)
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
			httpRequestDurationSeconds.WithLabelValues(r.Method, endpoint).Observe(duration.Seconds())

			log.Info().
				Str("request_id", requestIDFromCtx(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", duration).
				Msg("http request")
		})
	}
}

// routePatternOr returns the matched chi route pattern (e.g. "/api/jobs/{id}")
// so metrics don't explode into one series per job id; falls back to the raw
// path when no chi context is present (e.g. in unit tests hitting a handler
// directly).
func routePatternOr(r *http.Request, fallback string) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return fallback
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxkeys.RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// recoverMiddleware converts a panicking handler into a 500 INTERNAL_ERROR
// response instead of taking the process down, the HTTP-layer analogue of
// the dispatcher's own panic recovery.
func recoverMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware sets a fixed set of HTTP security headers on
// every response: HSTS only when requireHTTPS, a restrictive default-src
// CSP, and the usual nosniff/frame-deny/referrer-policy/permissions-policy
// set.
func securityHeadersMiddleware(requireHTTPS bool) func(http.Handler) http.Handler {
	const csp = "default-src 'self'; " +
		"script-src 'self'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: https:; " +
		"font-src 'self'; " +
		"connect-src 'self'; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if requireHTTPS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			h.Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}

// maxBodyMiddleware enforces the configured request body size cap.
func maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuth validates the Authorization header against signer and stores
// the authenticated client id and scopes in context. requireScope, if
// non-empty, rejects requests lacking that scope with FORBIDDEN.
func bearerAuth(signer *TokenSigner, requireScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			token := strings.TrimPrefix(header, prefix)
			clientID, scopes, err := signer.Verify(token, time.Now())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}
			if requireScope != "" && !HasScope(scopes, requireScope) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "token missing required scope: "+requireScope)
				return
			}

			ctx := context.WithValue(r.Context(), ctxkeys.ClientIDKey, clientID)
			ctx = context.WithValue(ctx, ctxkeys.ClientScopesKey, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxkeys.ClientIDKey).(string); ok {
		return v
	}
	return ""
}

// clientRateLimit enforces the per-client AND per-IP request rate limits
// (separate from the worker-side platform-account limiter; this one
// protects the API itself). Gating on both `client:{id}` and `ip:{addr}`
// means one
// client can't evade the limit by rotating tokens from the same address,
// and one compromised token can't be used to flood from many addresses
// without also tripping the per-client bucket. It reads s.apiLimiter at
// request time rather than closing over a fixed value, so swapping the
// limiter (as tests do) takes effect immediately.
func clientRateLimit(s *Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientIDFromCtx(r.Context())
			if clientID == "" {
				clientID = r.RemoteAddr
			}

			allowed, err := s.apiLimiter.Allow(r.Context(), "client:"+clientID)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "rate limiter unavailable")
				return
			}
			if !allowed {
				rateLimitHitsTotal.WithLabelValues("client").Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
				return
			}

			ip := clientIP(r)
			allowed, err = s.apiLimiter.Allow(r.Context(), "ip:"+ip)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "rate limiter unavailable")
				return
			}
			if !allowed {
				rateLimitHitsTotal.WithLabelValues("ip").Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller's address: the first hop of
// X-Forwarded-For when present, falling back to the raw connection
// address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return r.RemoteAddr
}
