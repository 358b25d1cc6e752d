// Package httpapi implements the thin HTTP front-end that
// authenticates clients, validates job submissions, enqueues them into the
// store, and exposes health and metrics endpoints. No scheduling logic
// lives here.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"taskforge/internal/config"
	"taskforge/internal/router"
	"taskforge/internal/store"
)

// Server is the HTTP front-end's bootstrap type: connection-tracking
// graceful shutdown via a ConnState hook, a chi router, and the job/task
// submission surface.
type Server struct {
	cfg        *config.Config
	db         *sql.DB
	store      *store.Store
	router     routerWaker
	signer     *TokenSigner
	apiLimiter APIRateLimiter
	hub        *hub
	log        zerolog.Logger

	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a Server. If cfg.RedisURL is set, the per-client API rate
// limiter is backed by redis; otherwise it falls back to an
// in-process limiter.
func New(cfg *config.Config, db *sql.DB, st *store.Store, rt routerWaker, log zerolog.Logger) (*Server, error) {
	signer := NewTokenSigner(signerSecret(cfg), cfg.AccessTokenTTL)

	var apiLimiter APIRateLimiter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		apiLimiter = NewRedisAPIRateLimiter(redis.NewClient(opt), time.Minute, 120)
	} else {
		apiLimiter = NewInProcessAPIRateLimiter(time.Minute, 120)
	}

	s := &Server{
		cfg:        cfg,
		db:         db,
		store:      st,
		router:     rt,
		signer:     signer,
		apiLimiter: apiLimiter,
		hub:        newHub(log),
		log:        log.With().Str("component", "httpapi").Logger(),
		conns:      make(map[net.Conn]struct{}),
	}
	s.handler = s.registerRoutes()
	return s, nil
}

// signerSecret derives the token-signing key from the deployment's
// encryption master key so no second secret needs provisioning; falls back
// to a fixed development string when unset (local/test only — production
// deployments must set TASKFORGE_ENCRYPTION_MASTER_KEY).
func signerSecret(cfg *config.Config) string {
	if cfg.EncryptionMasterKey != "" {
		return cfg.EncryptionMasterKey
	}
	return "taskforge-dev-only-token-signing-key"
}

// Start runs the HTTP server and blocks until ctx is cancelled or the
// server errors.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port

	go s.hub.run(ctx)
	go s.relayRouterEvents(ctx)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		}
	}

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.log.Info().Dur("timeout", timeout).Msg("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn().Msg("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.log.Info().Msg("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Broadcast publishes message to every connected websocket client.
func (s *Server) Broadcast(message []byte) {
	s.hub.Broadcast(message)
}

// relayRouterEvents forwards every router.Event onto the websocket hub as a
// JSON status message, giving GET /api/ws subscribers live task/job
// transitions instead of requiring them to poll GET /api/jobs/{id}, and
// records the lease-claim and task-outcome counters alongside.
func (s *Server) relayRouterEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.router.Events():
			if !ok {
				return
			}
			taskOutcomesTotal.WithLabelValues(ev.Type).Inc()
			if ev.Type == router.EventTaskLeased {
				leaseClaimsTotal.WithLabelValues("claimed").Inc()
			}

			b, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn().Err(err).Msg("failed to marshal router event")
				continue
			}
			s.hub.Broadcast(b)
		}
	}
}
