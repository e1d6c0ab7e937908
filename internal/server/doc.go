// Package server implements the chat relay: the WebSocket transport, the
// session registry and broadcast engine, the per-connection protocol loop and
// the HTTP plumbing around them.
//
// The implementation is organized into specialized files for configuration,
// transport, registry, sessions, routing, and HTTP handlers.
package server
