// ABOUTME: HTTP server exposing passkey ceremonies and session endpoints
// ABOUTME: Owns the listener lifecycle, route table and ordered shutdown of backends

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/forum-auth/internal/auth"
	"github.com/2389/forum-auth/internal/ceremony"
)

// Ceremonies is the subset of the ceremony engine the handlers drive.
type Ceremonies interface {
	BeginRegistration(ctx context.Context, displayName, contact string) (*ceremony.RegistrationChallenge, error)
	BeginDeviceRegistration(ctx context.Context, ownerID string) (*ceremony.RegistrationChallenge, error)
	FinishRegistration(ctx context.Context, body []byte, assertedOwner string) (*ceremony.Result, error)
	BeginLogin(ctx context.Context, admin bool) (*ceremony.LoginChallenge, error)
	FinishLogin(ctx context.Context, body []byte, admin bool) (*ceremony.Result, error)
}

// Config holds listener settings.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// Server serves the auth HTTP surface.
type Server struct {
	config     Config
	ceremonies Ceremonies
	sessions   auth.SessionStore
	gateway    *auth.Gateway
	logger     *slog.Logger

	httpServer *http.Server
	closers    []namedCloser
}

type namedCloser struct {
	label  string
	closer io.Closer
}

// New creates a Server and registers its routes.
func New(cfg Config, ceremonies Ceremonies, sessions auth.SessionStore, gateway *auth.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:     cfg,
		ceremonies: ceremonies,
		sessions:   sessions,
		gateway:    gateway,
		logger:     logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// OnShutdown registers a backend to close after the listener stops.
// Closers run in registration order.
func (s *Server) OnShutdown(label string, c io.Closer) {
	s.closers = append(s.closers, namedCloser{label: label, closer: c})
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	requireUser := s.gateway.RequireUser()
	requireAdmin := s.gateway.RequireAdmin()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/register/challenge", s.handleRegisterChallenge)
	mux.HandleFunc("POST /auth/register/verify", s.handleRegisterVerify)
	mux.HandleFunc("POST /auth/login/challenge", s.handleLoginChallenge(false))
	mux.HandleFunc("POST /auth/login/verify", s.handleLoginVerify(false))
	mux.HandleFunc("POST /admin/login/challenge", s.handleLoginChallenge(true))
	mux.HandleFunc("POST /admin/login/verify", s.handleLoginVerify(true))

	mux.Handle("POST /auth/passkeys/challenge", requireUser(http.HandlerFunc(s.handlePasskeyChallenge)))
	mux.Handle("POST /auth/passkeys/verify", requireUser(http.HandlerFunc(s.handlePasskeyVerify)))
	mux.Handle("GET /auth/me", requireUser(http.HandlerFunc(s.handleMe)))
	mux.Handle("POST /auth/logout", requireUser(http.HandlerFunc(s.handleLogout)))
	mux.Handle("GET /admin/me", requireAdmin(http.HandlerFunc(s.handleMe)))

	return mux
}

// Run listens on the configured address and blocks until the context is
// canceled or the server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := s.startServer(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the listener, waits for in-flight requests, then closes
// registered backends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	for _, c := range s.closers {
		errs = appendCloseError(errs, c.label+" close", c.closer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
