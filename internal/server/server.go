// Package server exposes a [engine.VoiceEngine] over HTTP.
//
// Routes:
//
//	POST /speak          synthesise text, reply with base64 WAV (or raw WAV)
//	GET  /voice-status   engine status snapshot
//	POST /clear-cache    evict cached audio older than N hours
//	GET  /metrics        Prometheus scrape endpoint, when configured
//	GET  /healthz        liveness, when a health handler is configured
//	GET  /readyz         readiness, when a health handler is configured
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/luavoice/internal/engine"
	"github.com/MrWong99/luavoice/internal/health"
	"github.com/MrWong99/luavoice/internal/observe"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second

	// Synthesis through a slow fallback chain can take a while.
	defaultWriteTimeout = 3 * time.Minute
	defaultIdleTimeout  = 120 * time.Second

	// defaultMaxBodySize bounds request bodies (1 MB).
	defaultMaxBodySize int64 = 1 << 20

	// DefaultClearHours is used by /clear-cache when the body omits hours.
	DefaultClearHours = 24
)

// Option configures a [Server].
type Option func(*Server)

// WithRateLimit throttles /speak to rps requests per second with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodySize sets the maximum accepted request body size in bytes.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// Server serves the speech API.
type Server struct {
	engine         engine.VoiceEngine
	limiter        *rate.Limiter
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	maxBodySize    int64

	mu      sync.Mutex
	httpSrv *http.Server
}

// New creates a Server backed by eng.
func New(eng engine.VoiceEngine, opts ...Option) *Server {
	s := &Server{
		engine:      eng,
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /speak", s.handleSpeak)
	mux.HandleFunc("GET /voice-status", s.handleStatus)
	mux.HandleFunc("POST /clear-cache", s.handleClearCache)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	return s.run(ctx, shutdownTimeout, func(srv *http.Server) error { return srv.Serve(ln) })
}

// ListenAndServe listens on addr. When certFile and keyFile are both set the
// listener uses TLS.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string, shutdownTimeout time.Duration) error {
	return s.run(ctx, shutdownTimeout, func(srv *http.Server) error {
		srv.Addr = addr
		if certFile != "" && keyFile != "" {
			return srv.ListenAndServeTLS(certFile, keyFile)
		}
		return srv.ListenAndServe()
	})
}

func (s *Server) run(ctx context.Context, shutdownTimeout time.Duration, serve func(*http.Server) error) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- serve(srv) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, requestID string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}
