// Package server exposes HTTP handlers for health checks and the built-in
// browser test page. The chat endpoint itself is WebSocketListener.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
)

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}

// TestPageHandler serves a small HTML page that can register a user, send
// chat messages and show replies and broadcasts.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		slog.Warn("write test page", "err", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 8px; overflow-y: scroll; margin: 10px 0; }
        input { padding: 4px; margin-right: 6px; }
        .reply { color: gray; }
        .broadcast { color: green; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>
    <div>
        <input id="username" placeholder="username">
        <input id="password" placeholder="password" type="password">
        <button onclick="register()">Register</button>
    </div>
    <div>
        <input id="content" placeholder="message" size="40">
        <button onclick="send()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        const log = document.getElementById('log');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');

        function append(text, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = text;
            log.appendChild(el);
            log.scrollTop = log.scrollHeight;
        }

        function creds() {
            return {
                username: document.getElementById('username').value,
                password: document.getElementById('password').value
            };
        }

        function register() {
            ws.send(JSON.stringify(Object.assign({type: 'register'}, creds())));
        }

        function send() {
            const input = document.getElementById('content');
            ws.send(JSON.stringify(Object.assign({type: 'message', content: input.value}, creds())));
            input.value = '';
        }

        ws.onopen = () => append('connected', 'reply');
        ws.onclose = () => append('connection closed', 'reply');
        ws.onmessage = (event) => {
            try {
                const reply = JSON.parse(event.data);
                append('[server] ' + reply.status + (reply.message ? ': ' + reply.message : ''), 'reply');
            } catch (e) {
                append(event.data, 'broadcast');
            }
        };
    </script>
</body>
</html>`
