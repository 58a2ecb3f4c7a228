// Package api provides the BeeWell bridge server.
//
// It exposes the session and conversation operations as a loopback HTTP/JSON
// API so a browser or other front end can drive the same local state as the
// terminal client.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/BeeWell/internal/chat"
	"github.com/BTreeMap/BeeWell/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Constants for API server configuration
const (
	// DefaultServerAddr is the loopback address the bridge listens on.
	DefaultServerAddr = "127.0.0.1:8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultReadHeaderTimeout guards against slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
	// maxRequestBytes caps decoded request bodies.
	maxRequestBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string // overrides DefaultServerAddr
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the address the server listens on.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server holds all dependencies for the API server.
type Server struct {
	ctrl    *chat.Controller
	records *store.Records
	addr    string
	router  chi.Router
}

// NewServer creates a new API server instance with the provided dependencies.
func NewServer(ctrl *chat.Controller, records *store.Records, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{ctrl: ctrl, records: records, addr: cfg.Addr}
	s.router = s.routes()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", s.sessionHandler)
		r.Delete("/session", s.endSessionHandler)
		r.Post("/session/new", s.newChatHandler)
		r.Post("/profile", s.profileHandler)
		r.Post("/chat", s.chatHandler)
		r.Get("/theme", s.getThemeHandler)
		r.Put("/theme", s.setThemeHandler)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("API server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("API server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
