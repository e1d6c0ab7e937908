package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/authchat/internal/logging"
	"github.com/Tyrowin/authchat/internal/server"
	"github.com/Tyrowin/authchat/internal/store"
	"github.com/Tyrowin/authchat/internal/testhelpers"
)

// TestChatScenario walks through the register, relay and authentication
// flow between two clients.
func TestChatScenario(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	alice := ts.Connect(t)
	bob := ts.Connect(t)

	testhelpers.Register(t, alice, "alice", "p1")

	testhelpers.SendRegister(t, bob, "alice", "x")
	testhelpers.AssertResponse(t, bob, server.StatusError, server.MsgUsernameExists)

	testhelpers.SendChat(t, bob, "alice", "wrong", "spoofed")
	testhelpers.AssertResponse(t, bob, server.StatusError, server.MsgAuthenticationFailed)

	testhelpers.SendChat(t, alice, "alice", "p1", "hi again")
	testhelpers.AssertResponse(t, alice, server.StatusSuccess, "")

	// The relayed line reaches bob and is not echoed back to alice.
	if got := testhelpers.ReadFrame(t, bob); got != "alice: hi again" {
		t.Errorf("bob received %q, want %q", got, "alice: hi again")
	}
	testhelpers.ExpectNoMessage(t, alice, 100*time.Millisecond)
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	sender := ts.Connect(t)
	peers := []*websocket.Conn{ts.Connect(t), ts.Connect(t), ts.Connect(t)}

	testhelpers.Register(t, sender, "carol", "secret")
	testhelpers.SendChat(t, sender, "carol", "secret", "hello all")
	testhelpers.AssertResponse(t, sender, server.StatusSuccess, "")

	for i, peer := range peers {
		if got := testhelpers.ReadFrame(t, peer); got != "carol: hello all" {
			t.Errorf("peer %d received %q", i, got)
		}
	}
}

func TestMessagesAreNotRelayedToSender(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	alone := ts.Connect(t)

	testhelpers.Register(t, alone, "solo", "pw")
	testhelpers.SendChat(t, alone, "solo", "pw", "echo?")
	testhelpers.AssertResponse(t, alone, server.StatusSuccess, "")
	testhelpers.ExpectNoMessage(t, alone, 100*time.Millisecond)
}

func TestDisconnectedPeerDoesNotBlockOthers(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	sender := ts.Connect(t)
	gone := ts.Connect(t)
	stays := ts.Connect(t)

	testhelpers.Register(t, sender, "dave", "pw")
	if err := testhelpers.CloseWebSocket(gone); err != nil {
		t.Fatalf("close: %v", err)
	}
	testhelpers.WaitFor(t, testhelpers.ReadTimeout, func() bool { return ts.Chat.Registry().Len() == 2 })

	testhelpers.SendChat(t, sender, "dave", "pw", "still here?")
	testhelpers.AssertResponse(t, sender, server.StatusSuccess, "")
	if got := testhelpers.ReadFrame(t, stays); got != "dave: still here?" {
		t.Errorf("remaining peer received %q", got)
	}
}

// TestStalledPeerIsDroppedAfterWriteTimeout fills the socket buffers of a peer
// that never reads and checks that fan-out to everyone else carries on.
func TestStalledPeerIsDroppedAfterWriteTimeout(t *testing.T) {
	cfg := *server.NewConfig()
	cfg.WriteTimeout = 300 * time.Millisecond
	cfg.MaxMessageSize = 2 << 20
	ts := testhelpers.StartServerWithConfig(t, nil, cfg)

	sender := ts.Connect(t)
	live := ts.Connect(t)
	ts.Connect(t) // stalled: never read from

	testhelpers.Register(t, sender, "henry", "pw")

	const messages = 16
	content := strings.Repeat("x", 1<<20)
	want := "henry: " + content

	received := make(chan error, 1)
	go func() {
		for i := range messages {
			if err := live.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
				received <- err
				return
			}
			_, data, err := live.ReadMessage()
			if err != nil {
				received <- fmt.Errorf("frame %d: %w", i, err)
				return
			}
			if string(data) != want {
				received <- fmt.Errorf("frame %d: got %d bytes of unexpected content", i, len(data))
				return
			}
		}
		received <- nil
	}()

	start := time.Now()
	for i := range messages {
		sent := time.Now()
		testhelpers.SendChat(t, sender, "henry", "pw", content)
		testhelpers.AssertResponse(t, sender, server.StatusSuccess, "")
		if took := time.Since(sent); took > time.Second {
			t.Errorf("reply %d took %v, want under one write timeout plus transfer", i, took)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("%d broadcasts took %v", messages, elapsed)
	}

	select {
	case err := <-received:
		if err != nil {
			t.Errorf("live peer: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("live peer did not receive every broadcast")
	}

	testhelpers.WaitFor(t, testhelpers.ReadTimeout, func() bool { return ts.Chat.Metrics().DroppedPeers.Load() == 1 })
	testhelpers.WaitFor(t, testhelpers.ReadTimeout, func() bool { return ts.Chat.Registry().Len() == 2 })
}

// TestDisabledPingsKeepSessionsOpen checks that a negative ping interval
// turns off the idle timeout instead of cutting sessions at PongWait.
func TestDisabledPingsKeepSessionsOpen(t *testing.T) {
	cfg := *server.NewConfig()
	cfg.PongWait = 300 * time.Millisecond
	cfg.PingInterval = -1
	ts := testhelpers.StartServerWithConfig(t, nil, cfg)
	conn := ts.Connect(t)

	testhelpers.Register(t, conn, "iris", "pw")

	start := time.Now()
	for time.Since(start) < 4*cfg.PongWait {
		testhelpers.SendChat(t, conn, "iris", "pw", "still talking")
		testhelpers.AssertResponse(t, conn, server.StatusSuccess, "")
		time.Sleep(100 * time.Millisecond)
	}

	// Idle past PongWait, then talk again.
	time.Sleep(2 * cfg.PongWait)
	testhelpers.SendChat(t, conn, "iris", "pw", "back")
	testhelpers.AssertResponse(t, conn, server.StatusSuccess, "")

	if got := ts.Chat.Registry().Len(); got != 1 {
		t.Errorf("Len = %d, want the session to stay registered", got)
	}
}

func TestInvalidFramesKeepSessionOpen(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	conn := ts.Connect(t)

	testhelpers.SendRaw(t, conn, "this is not json")
	testhelpers.AssertResponse(t, conn, server.StatusError, server.MsgInvalidRequestFormat)

	testhelpers.SendRaw(t, conn, `{"type":"shout","username":"a","password":"b"}`)
	testhelpers.AssertResponse(t, conn, server.StatusError, server.MsgInvalidRequestType)

	testhelpers.Register(t, conn, "erin", "pw")
}

func TestOversizedFrameClosesSession(t *testing.T) {
	cfg := *server.NewConfig()
	cfg.MaxMessageSize = 256
	ts := testhelpers.StartServerWithConfig(t, nil, cfg)
	conn := ts.Connect(t)

	testhelpers.SendRaw(t, conn, `{"type":"register","username":"`+strings.Repeat("x", 512)+`","password":"p"}`)

	_ = conn.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the server to close the connection")
	}
	testhelpers.WaitFor(t, testhelpers.ReadTimeout, func() bool { return ts.Chat.Registry().Len() == 0 })
}

func TestConcurrentRegistrationSameName(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)
	const clients = 5
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = ts.Connect(t)
	}

	for _, conn := range conns {
		testhelpers.SendRegister(t, conn, "frank", "pw")
	}

	successes := 0
	for _, conn := range conns {
		resp := testhelpers.ReadResponse(t, conn)
		switch {
		case resp.IsSuccess():
			successes++
		case resp.Message != server.MsgUsernameExists:
			t.Errorf("unexpected reply %+v", resp)
		}
	}
	if successes != 1 {
		t.Errorf("%d registrations succeeded, want exactly 1", successes)
	}
}

func TestRegistrationPersistsInSQLite(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "users.db"), store.SQLiteOptions{HashCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ts := testhelpers.StartServer(t, st)
	conn := ts.Connect(t)
	testhelpers.Register(t, conn, "grace", "pw")

	ok, err := st.Authenticate(context.Background(), "grace", "pw")
	if err != nil || !ok {
		t.Errorf("Authenticate after register: ok=%v err=%v", ok, err)
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	headers := http.Header{}
	headers.Set("Origin", "https://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close()
		t.Fatal("dial from a disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("got response %v, want 403", resp)
	}
}

func TestWebSocketEndpointRejectsNonGET(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req, err := http.NewRequest(method, ts.HTTP.URL+"/ws", http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/", "text/plain", "Chat relay is running!"},
		{"/test", "text/html", "<html"},
		{"/metrics", "text/plain", "authchat_sessions_active"},
		{"/stats", "application/json", `"total_connections"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.HTTP.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, tt.contentType) {
				t.Errorf("Content-Type = %q, want prefix %q", ct, tt.contentType)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
		})
	}
}

func TestRoutesRejectUnknownPathsAndMethods(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/metrics", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/test", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.HTTP.URL+tt.path, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	chat, err := server.New(*server.NewConfig(), server.Dependencies{Store: store.NewMemory(), Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	cfg := chat.Config()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	ln := server.NewWebSocketListener(cfg, logging.Discard())
	httpServer := httptest.NewServer(server.SetupRoutes(ln, chat.Metrics()))
	defer httpServer.Close()

	serveDone := make(chan error, 1)
	go func() { serveDone <- chat.Serve(context.Background(), ln) }()

	conn, err := testhelpers.ConnectWebSocket("ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testhelpers.WaitFor(t, testhelpers.ReadTimeout, func() bool { return chat.Registry().Len() == 1 })

	if err := chat.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_ = conn.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("read after shutdown: got %v, want normal closure", err)
	}
	if got := chat.Registry().Len(); got != 0 {
		t.Errorf("%d sessions left after shutdown", got)
	}
	if got := chat.Metrics().ActiveConnections.Load(); got != 0 {
		t.Errorf("ActiveConnections = %d after shutdown", got)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := server.New(*server.NewConfig(), server.Dependencies{}); err == nil {
		t.Error("New accepted missing store")
	}
}
