// Package testhelpers provides shared utilities for exercising the chat relay
// over real WebSocket connections in tests.
package testhelpers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/authchat/internal/logging"
	"github.com/Tyrowin/authchat/internal/server"
	"github.com/Tyrowin/authchat/internal/store"
)

// TestOrigin is the browser origin allowed by test servers.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every helper read.
const ReadTimeout = 2 * time.Second

// TestServer is a running chat relay behind httptest.
type TestServer struct {
	Chat     *server.Server
	Listener *server.WebSocketListener
	HTTP     *httptest.Server
	Store    store.Store
	WSURL    string
}

// StartServer starts a relay backed by st (a fresh memory store when nil) and
// stops it when the test ends.
func StartServer(t *testing.T, st store.Store) *TestServer {
	t.Helper()
	return StartServerWithConfig(t, st, *server.NewConfig())
}

// StartServerWithConfig is StartServer with an explicit configuration.
func StartServerWithConfig(t *testing.T, st store.Store, cfg server.Config) *TestServer {
	t.Helper()

	if st == nil {
		st = store.NewMemory()
	}
	cfg.AllowedOrigins = []string{TestOrigin}

	logger := logging.Discard()
	chat, err := server.New(cfg, server.Dependencies{Store: st, Logger: logger})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ln := server.NewWebSocketListener(chat.Config(), logger)
	httpServer := httptest.NewServer(server.SetupRoutes(ln, chat.Metrics()))

	serveDone := make(chan error, 1)
	go func() { serveDone <- chat.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		_ = ln.Close()
		if err := chat.Shutdown(5 * time.Second); err != nil {
			t.Errorf("chat shutdown: %v", err)
		}
		httpServer.Close()
		if err := <-serveDone; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})

	return &TestServer{
		Chat:     chat,
		Listener: ln,
		HTTP:     httpServer,
		Store:    st,
		WSURL:    "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}
}

// Connect dials the relay and waits until the new session is registered, so
// broadcasts sent afterwards are guaranteed to reach it.
func (ts *TestServer) Connect(t *testing.T) *websocket.Conn {
	t.Helper()

	want := ts.Chat.Registry().Len() + 1
	conn, err := ConnectWebSocket(ts.WSURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	WaitFor(t, ReadTimeout, func() bool { return ts.Chat.Registry().Len() >= want })
	return conn
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// the test origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendRegister sends a register request.
func SendRegister(t *testing.T, conn *websocket.Conn, username, password string) {
	t.Helper()
	sendJSON(t, conn, map[string]string{"type": "register", "username": username, "password": password})
}

// SendChat sends a message request.
func SendChat(t *testing.T, conn *websocket.Conn, username, password, content string) {
	t.Helper()
	sendJSON(t, conn, map[string]string{
		"type":     "message",
		"username": username,
		"password": password,
		"content":  content,
	})
}

// SendRaw sends an arbitrary text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// ReadFrame reads one text frame within ReadTimeout.
func ReadFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(data)
}

// ReadResponse reads one frame and decodes it as a reply.
func ReadResponse(t *testing.T, conn *websocket.Conn) server.Response {
	t.Helper()
	frame := ReadFrame(t, conn)
	var resp server.Response
	if err := json.Unmarshal([]byte(frame), &resp); err != nil {
		t.Fatalf("frame %q is not a reply: %v", frame, err)
	}
	return resp
}

// AssertResponse reads a reply and checks its status and message.
func AssertResponse(t *testing.T, conn *websocket.Conn, status, message string) {
	t.Helper()
	resp := ReadResponse(t, conn)
	if resp.Status != status || resp.Message != message {
		t.Errorf("got reply {%s %q}, want {%s %q}", resp.Status, resp.Message, status, message)
	}
}

// ExpectNoMessage fails if a frame arrives within timeout. The connection is
// unusable afterwards if the deadline fired, so call it last on a connection
// or on one you discard.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("expected no message, got %q", data)
	}
}

// Register performs a register round trip and requires success.
func Register(t *testing.T, conn *websocket.Conn, username, password string) {
	t.Helper()
	SendRegister(t, conn, username, password)
	AssertResponse(t, conn, server.StatusSuccess, server.MsgRegistrationSuccessful)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
