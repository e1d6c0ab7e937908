// Package server runs the per-connection protocol loop: read a frame, decode
// it, dispatch it against the credential store and reply to the sender.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/authchat/internal/store"
)

// Session is the server-side state of one connected client.
type Session struct {
	id       string
	conn     Conn
	registry *Registry
	store    store.Store
	metrics  *Metrics
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	termOnce  sync.Once

	mu       sync.Mutex
	username string // last name that authenticated a message
}

// NewSession wraps conn. The caller adds it to registry and starts Run.
func NewSession(conn Conn, registry *Registry, st store.Store, metrics *Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		store:    st,
		metrics:  metrics,
		logger:   logger.With("session", id, "addr", conn.RemoteAddr()),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address of the underlying connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Closed reports whether the session's connection is known to be closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// Username returns the last username that authenticated a message on this
// session, or "" if none has. It only labels log lines; every message is
// still authenticated on its own.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Run reads and answers requests until the connection fails or closes. It
// always unregisters the session and closes its connection before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.terminate()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			s.logReadError(err)
			return
		}

		resp := s.handleFrame(ctx, frame)
		if err := s.reply(resp); err != nil {
			if !isExpectedCloseError(err) {
				s.logger.Info("reply failed; closing session", "err", err)
			}
			return
		}
	}
}

// handleFrame decodes one request and produces exactly one response.
func (s *Session) handleFrame(ctx context.Context, frame []byte) Response {
	env, err := DecodeEnvelope(frame)
	switch env.Kind {
	case KindRegister:
		return s.handleRegister(ctx, env)
	case KindMessage:
		return s.handleMessage(ctx, env)
	}

	s.metrics.ProtocolErrors.Add(1)
	s.logger.Debug("rejected frame", "err", err, "bytes", len(frame))
	if errors.Is(err, ErrInvalidRequestType) {
		return Failure(MsgInvalidRequestType)
	}
	return Failure(MsgInvalidRequestFormat)
}

func (s *Session) handleRegister(ctx context.Context, env Envelope) Response {
	exists, err := s.store.Exists(ctx, env.Username)
	if err != nil {
		s.metrics.RegistrationsDenied.Add(1)
		s.logger.Error("credential lookup failed", "username", env.Username, "err", err)
		return Failure(MsgRegistrationFailed)
	}
	if exists {
		s.metrics.RegistrationsDenied.Add(1)
		return Failure(MsgUsernameExists)
	}

	if err := s.store.Insert(ctx, env.Username, env.Password); err != nil {
		s.metrics.RegistrationsDenied.Add(1)
		if errors.Is(err, store.ErrUsernameTaken) {
			// Another session registered the name between Exists and Insert.
			return Failure(MsgUsernameExists)
		}
		s.logger.Error("credential insert failed", "username", env.Username, "err", err)
		return Failure(MsgRegistrationFailed)
	}

	s.metrics.Registrations.Add(1)
	s.logger.Info("user registered", "username", env.Username)
	return Success(MsgRegistrationSuccessful)
}

func (s *Session) handleMessage(ctx context.Context, env Envelope) Response {
	ok, err := s.store.Authenticate(ctx, env.Username, env.Password)
	if err != nil {
		s.logger.Error("credential check failed", "username", env.Username, "err", err)
	}
	if err != nil || !ok {
		s.metrics.FailedAuths.Add(1)
		return Failure(MsgAuthenticationFailed)
	}

	s.metrics.SuccessfulAuths.Add(1)
	s.mu.Lock()
	s.username = env.Username
	s.mu.Unlock()

	delivered := s.registry.Broadcast(s, FormatBroadcast(env.Username, env.Content))
	s.metrics.Broadcasts.Add(1)
	s.logger.Debug("message relayed", "username", env.Username, "delivered", delivered)
	return Success("")
}

func (s *Session) reply(resp Response) error {
	frame, err := resp.Encode()
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(frame)
}

// deliver writes a broadcast frame from another session.
func (s *Session) deliver(payload []byte) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	return s.conn.WriteFrame(payload)
}

// closeConn closes the connection once. Run observes the closed connection on
// its next read and terminates.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("close connection", "err", err)
		}
	})
}

func (s *Session) terminate() {
	s.termOnce.Do(func() {
		s.registry.Remove(s)
		s.closeConn()
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		s.logger.Info("session closed", "username", s.Username())
	})
}

// logReadError logs a read failure at a level that matches how surprising it is.
func (s *Session) logReadError(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("frame exceeded maximum size", "err", err)
	case s.closed.Load():
		s.logger.Debug("session connection closed locally", "err", err)
	case errors.As(err, &closeErr):
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			s.logger.Info("client disconnected", "code", closeErr.Code)
		default:
			s.logger.Warn("unexpected websocket close", "code", closeErr.Code, "err", err)
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.logger.Info("client connection closed", "err", err)
	default:
		s.logger.Warn("websocket read error", "err", err)
	}
}
