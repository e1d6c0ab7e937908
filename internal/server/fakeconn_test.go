package server

import (
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/authchat/internal/logging"
	"github.com/Tyrowin/authchat/internal/store"
)

// fakeConn is an in-memory Conn. Frames pushed with send are returned by
// ReadFrame; frames written by the session are queued on written.
type fakeConn struct {
	addr    string
	reads   chan []byte
	written chan []byte

	mu       sync.Mutex
	writeErr error
	closes   int

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:    addr,
		reads:   make(chan []byte, 16),
		written: make(chan []byte, 1024),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.reads:
		return frame, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	c.written <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(frame string) {
	c.reads <- []byte(frame)
}

// next returns the next written frame or fails the test.
func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case frame := <-c.written:
		return string(frame)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no frame written", c.addr)
		return ""
	}
}

// quiet fails the test if a frame is written within d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-c.written:
		t.Errorf("%s: unexpected frame %q", c.addr, frame)
	case <-time.After(d):
	}
}

type fixture struct {
	registry *Registry
	store    *store.Memory
	metrics  *Metrics
}

func newFixture() *fixture {
	metrics := NewMetrics()
	return &fixture{
		registry: NewRegistry(logging.Discard(), metrics),
		store:    store.NewMemory(),
		metrics:  metrics,
	}
}

// addSession registers a session on a fresh fakeConn without running it.
func (f *fixture) addSession(t *testing.T, addr string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(addr)
	sess := NewSession(conn, f.registry, f.store, f.metrics, logging.Discard())
	if err := f.registry.Add(sess); err != nil {
		t.Fatalf("Add(%s): %v", addr, err)
	}
	return sess, conn
}

// runSession registers a session and runs its loop until the test ends.
func (f *fixture) runSession(t *testing.T, addr string) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := f.addSession(t, addr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(t.Context())
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return sess, conn
}
