// Package server implements the HTTP and WebSocket transport of the relay.
//
// The implementation is organized into specialized files for the hub,
// clients, routing, origin checks, rate limiting, and HTTP handlers. All
// message semantics live in the relay package; this package only moves
// frames between sockets and the broker.
package server
