// Package server wires HTTP handlers into a router for the chat relay via
// routing helpers.
package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// SetupRoutes configures and returns the router with all application routes:
// health check, chat WebSocket endpoint, metrics and the test page. metrics
// may be nil, in which case /metrics and /stats are not served.
func SetupRoutes(ln *WebSocketListener, metrics *Metrics) *httprouter.Router {
	router := httprouter.New()
	router.MethodNotAllowed = http.HandlerFunc(methodNotAllowed)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost} {
		router.HandlerFunc(method, "/", HealthHandler)
	}
	router.Handler(http.MethodGet, "/ws", ln)
	router.HandlerFunc(http.MethodGet, "/test", TestPageHandler)
	if metrics != nil {
		router.Handler(http.MethodGet, "/metrics", metrics)
		router.HandlerFunc(http.MethodGet, "/stats", metrics.ServeJSON)
	}
	return router
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	msg := "Method not allowed."
	if r.URL.Path == "/ws" {
		msg = "Method not allowed. WebSocket endpoint only accepts GET requests."
	}
	http.Error(w, msg, http.StatusMethodNotAllowed)
}
