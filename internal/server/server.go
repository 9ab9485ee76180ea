// Package server exposes the vault over a local HTTP API.
//
// The session token travels in the recordvault_session cookie (or an
// Authorization: Bearer header for scripts). Every /api/ request passes a
// per-client token bucket before it reaches a handler; unlock attempts are
// additionally subject to the vault's own lockout policy.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/session"
)

const (
	// CookieName carries the session token.
	CookieName = "recordvault_session"

	// MaxJSONBody bounds JSON request bodies (1 MB).
	MaxJSONBody = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server serves the vault API.
type Server struct {
	sessions *session.Manager
	backups  *backup.Service
	metrics  http.Handler
	logger   zerolog.Logger

	mu       sync.RWMutex
	settings *config.Settings
	updateMu sync.Mutex

	limiter *multiLimiter
	mux     *http.ServeMux
}

// New returns a Server. settings supplies the cookie, rate limit and KDF
// configuration and is the target of PUT /api/settings.
func New(sessions *session.Manager, backups *backup.Service, settings *config.Settings, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		backups:  backups,
		settings: settings,
		logger:   zerolog.Nop(),
		mux:      http.NewServeMux(),
		limiter: newMultiLimiter(
			rate.Limit(settings.Server.RequestsPerSecond),
			settings.Server.Burst,
			clientTTL,
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s }

// ServeHTTP applies recovery, default headers, the per-client limiter and
// access logging around the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("handler panicked")
			writeError(rec, http.StatusInternalServerError, "internal error")
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}()

	if strings.HasPrefix(r.URL.Path, "/api/") {
		h := rec.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")

		if ok, wait := s.limiter.allow(getClientIP(r, s.Settings().Server.TrustedProxy)); !ok {
			tooMany(rec, wait)
			return
		}
	}
	s.mux.ServeHTTP(rec, r)
}

// Settings returns the active settings.
func (s *Server) Settings() *config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ApplySettings installs reloaded settings and pushes the lock timeout to
// the session manager.
func (s *Server) ApplySettings(settings *config.Settings) error {
	if err := s.sessions.SetLockTimeout(settings.LockTimeoutMinutes); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
