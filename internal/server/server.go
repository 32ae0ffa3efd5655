// Package server exposes the fleet over HTTP: pairing requests, health and
// status JSON, and an optional static dashboard.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/fleet"
	"github.com/danhigham/telefleet/internal/state"
)

// Fleet is the part of fleet.Manager the server drives.
type Fleet interface {
	Start(ctx context.Context, id domain.Identity) (fleet.PairingResult, error)
	Sessions() []state.Session
	Session(id domain.Identity) (state.Session, bool)
	Count() int
}

var _ Fleet = (*fleet.Manager)(nil)

// Config holds server configuration.
type Config struct {
	Addr      string
	StaticDir string
	// PairTimeout bounds one pairing request, retries included.
	PairTimeout time.Duration
	EnableCORS  bool
}

// Server is the HTTP front-end.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server
	fleet   Fleet
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config, fl Fleet, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = 60 * time.Second
	}
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		fleet:  fl,
		logger: logger,
		now:    time.Now,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/pair", s.pair)
	r.Route("/api", func(r chi.Router) {
		r.Get("/pair", s.pair)
		r.Get("/pair/qr", s.pairQR)
		r.Get("/health", s.health)
		r.Get("/status", s.status)
	})

	if s.config.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http listening", zap.String("addr", s.config.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
