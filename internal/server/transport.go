// Package server wraps gorilla/websocket connections behind the small frame
// transport that sessions and the registry consume.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed wraps every read or write failure on a Conn.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")
)

// Conn is a duplex frame connection. ReadFrame must only be called by one
// goroutine; WriteFrame and Close are safe for concurrent use.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Listener hands accepted connections to the accept loop.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// wsConn adapts a *websocket.Conn to Conn. Writes are serialised because the
// owning session and any number of broadcasters write to the same socket.
type wsConn struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration
	pongWait     time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, addr string, cfg Config, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:         conn,
		addr:         addr,
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.PongWait,
		logger:       logger,
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(cfg.MaxMessageSize)
	if cfg.PingInterval <= 0 {
		// Without pings no pong ever arrives to extend a deadline, so reads
		// are left unbounded.
		c.pongWait = 0
		return c
	}
	c.setupReadDeadline()
	go c.keepalive(cfg.PingInterval)
	return c
}

// setupReadDeadline arms the read deadline and extends it on every pong and
// every received frame.
func (c *wsConn) setupReadDeadline() {
	if c.pongWait <= 0 {
		return
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", "addr", c.addr, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
}

func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Debug("ping failed", "addr", c.addr, "err", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.closed.Store(true)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	if c.pongWait > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.closed.Store(true)
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
	return frame, nil
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.closed.Store(true)
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// A timed-out or failed write leaves the websocket unusable.
		c.closed.Store(true)
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	if err != nil && isExpectedCloseError(err) {
		return nil
	}
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

// WebSocketListener upgrades HTTP requests on the chat endpoint and queues
// the resulting connections for Accept. Mount it on an http.ServeMux.
type WebSocketListener struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketListener creates a listener that enforces cfg's origin policy
// and frame limits.
func NewWebSocketListener(cfg Config, logger *slog.Logger) *WebSocketListener {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &WebSocketListener{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		logger: logger,
		conns:  make(chan Conn),
		done:   make(chan struct{}),
	}
}

// ServeHTTP validates the method, upgrades the connection and blocks until the
// accept loop takes it or the listener closes.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-l.done:
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	conn := newWSConn(ws, r.RemoteAddr, l.cfg, l.logger)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// Accept returns the next upgraded connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops handing out connections. Pending upgrades are closed.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
