// Package server implements the accept loop that turns transport connections
// into supervised chat sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Tyrowin/authchat/internal/store"
)

// Dependencies are the collaborators a Server needs.
type Dependencies struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics *Metrics
}

// Server accepts connections and runs one Session per connection against a
// shared Registry and credential Store.
type Server struct {
	cfg      Config
	store    store.Store
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger

	// mu orders session starts against Shutdown: once closing is set no
	// session is added to wg or the registry.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Server. deps.Store is required.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      sanitizeConfig(cfg),
		store:    deps.Store,
		registry: NewRegistry(logger, metrics),
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Config returns the sanitised configuration.
func (s *Server) Config() Config { return s.cfg }

// Done is closed when Shutdown starts.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// Serve accepts connections from ln until ln is closed, ctx is cancelled or
// Shutdown is called, in which case it returns nil. Any other accept error is
// returned and should be treated as fatal.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("accepting chat connections")
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				s.logger.Info("accept loop stopped")
				return nil
			}
			s.logger.Error("accept failed", "err", err)
			return fmt.Errorf("server: accept: %w", err)
		}
		s.startSession(conn)
	}
}

// startSession registers and runs a session. Sessions live until Shutdown,
// not until Serve returns, so they run under the server's own context.
func (s *Server) startSession(conn Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debug("refusing connection during shutdown", "addr", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	sess := NewSession(conn, s.registry, s.store, s.metrics, s.logger)
	if err := s.registry.Add(sess); err != nil {
		s.mu.Unlock()
		s.logger.Error("register session", "session", sess.ID(), "err", err)
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	sess.logger.Info("session opened")

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session panicked", "session", sess.ID(), "panic", r, "stack", string(debug.Stack()))
				sess.terminate()
			}
		}()
		sess.Run(s.ctx)
	}()
}

// Shutdown stops accepting, closes every session and waits for their loops to
// exit. It returns context.DeadlineExceeded if they do not finish in time.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("initiating chat server shutdown")
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("chat server shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout reached; some sessions may still be running")
		return context.DeadlineExceeded
	}
}
