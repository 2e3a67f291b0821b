// Package api assembles the HTTP surface: REST routes, the websocket endpoint,
// health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"gorm.io/gorm"

	"pulse/config"
	"pulse/infrastructure"
	"pulse/internal/auth"
	"pulse/internal/chat"
	"pulse/internal/ledger"
	"pulse/internal/metrics"
	"pulse/internal/realtime"
	"pulse/internal/user"
)

type Server struct {
	router  *mux.Router
	handler http.Handler
	db      *gorm.DB
	limiter *RateLimiter
}

func NewServer(
	cfg *config.Config,
	log zerolog.Logger,
	db *gorm.DB,
	m *metrics.Metrics,
	authMiddleware *auth.Middleware,
	ledgerHandler *ledger.JSONHandler,
	chatHandler *chat.JSONHandler,
	userHandler *user.JSONHandler,
	gateway *realtime.Gateway,
) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		db:      db,
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	s.router.Use(Observe(m))

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	s.router.Handle("/ws", gateway).Methods(http.MethodGet)

	// signed by the payment provider, no bearer token
	ledgerHandler.SetupWebhook(s.router)

	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(authMiddleware.RequireServiceKey)
	ledgerHandler.SetupInternal(internal)

	points := s.userRouter("/api/points", authMiddleware)
	payments := s.userRouter("/api/payments", authMiddleware)
	ledgerHandler.SetupJSON(points, payments)
	chatHandler.SetupJSON(s.userRouter("/api/chats", authMiddleware))
	userHandler.SetupJSON(s.userRouter("/api/users", authMiddleware))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infrastructure.WriteError(w, r, infrastructure.NotFoundf("no route for %s %s", r.Method, r.URL.Path))
	})

	s.handler = Logger(log, s.router)
	return s
}

func (s *Server) userRouter(prefix string, m *auth.Middleware) *mux.Router {
	r := s.router.PathPrefix(prefix).Subrouter()
	r.Use(m.RequireUser, s.limiter.Middleware)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// SweepLimiters drops idle rate limiter state until ctx is cancelled.
func (s *Server) SweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		infrastructure.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
