// Package chatclient is the client side of the chat relay: a WebSocket
// connection that sends register and chat requests and a background reader
// that surfaces replies and broadcasts.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 5 * time.Second
)

// ErrClosed is returned by request methods after Close.
var ErrClosed = errors.New("chatclient: connection closed")

// Response mirrors the relay's reply frame.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Incoming is one frame received from the relay: either a reply to one of our
// requests or a raw broadcast line from another user.
type Incoming struct {
	Response *Response
	Raw      string
}

// IsBroadcast reports whether the frame is a relayed chat line.
func (i Incoming) IsBroadcast() bool { return i.Response == nil }

type request struct {
	Type     string  `json:"type"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Content  *string `json:"content,omitempty"`
}

// Client is a connection to the relay. Request methods are safe for
// concurrent use.
type Client struct {
	conn     *websocket.Conn
	incoming chan Incoming

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the relay's WebSocket endpoint, e.g. ws://127.0.0.1:8080/ws.
// header may carry an Origin for servers that restrict browser origins.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan Incoming, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Incoming returns the stream of received frames. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Incoming() <-chan Incoming {
	return c.incoming
}

// Err returns the error that stopped the reader, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Register asks the relay to create an account.
func (c *Client) Register(username, password string) error {
	return c.send(request{Type: "register", Username: username, Password: password})
}

// Send asks the relay to broadcast content under username.
func (c *Client) Send(username, password, content string) error {
	return c.send(request{Type: "message", Username: username, Password: password, Content: &content})
}

func (c *Client) send(req request) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("chatclient: encode request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("chatclient: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("chatclient: send %s: %w", req.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		select {
		case c.incoming <- parseIncoming(frame):
		case <-c.done:
			return
		}
	}
}

// parseIncoming classifies a frame: JSON objects with a status are replies,
// everything else is a broadcast line.
func parseIncoming(frame []byte) Incoming {
	var resp Response
	if err := json.Unmarshal(frame, &resp); err == nil && resp.Status != "" {
		return Incoming{Response: &resp, Raw: string(frame)}
	}
	return Incoming{Raw: string(frame)}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
