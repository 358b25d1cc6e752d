package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires every HTTP endpoint, applying the middleware chain
// in a fixed order (request id -> security headers -> logging -> recover ->
// CORS), with bearer auth and scope checks applied per-route instead of
// globally since /health, /ready, /live and /metrics must stay open.
func (s *Server) registerRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(securityHeadersMiddleware(s.cfg.RequireHTTPS))
	r.Use(loggingMiddleware(s.log))
	r.Use(recoverMiddleware(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
	}))
	r.Use(maxBodyMiddleware(s.cfg.MaxBodyBytes))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/auth/login", s.handleLogin)

	// bearerAuth runs before clientRateLimit on every authenticated route so
	// the limiter keys on the authenticated client id, not the caller's
	// remote address.
	r.Group(func(authed chi.Router) {
		authed.With(bearerAuth(s.signer, "send"), clientRateLimit(s)).Post("/api/send/dm", s.handleSubmitDM)
		authed.With(bearerAuth(s.signer, "analyze"), clientRateLimit(s)).Post("/api/analyze/profiles", s.handleSubmitAnalyze)
		authed.With(bearerAuth(s.signer, "fetch"), clientRateLimit(s)).Post("/api/followings", s.handleSubmitFollowings)

		authed.With(bearerAuth(s.signer, ""), clientRateLimit(s)).Get("/api/jobs/{id}", s.handleGetJob)
		authed.With(bearerAuth(s.signer, ""), clientRateLimit(s)).Post("/api/jobs/{id}/cancel", s.handleCancelJob)
		authed.With(bearerAuth(s.signer, ""), clientRateLimit(s)).Get("/api/ws", s.handleWS)
	})

	return r
}
