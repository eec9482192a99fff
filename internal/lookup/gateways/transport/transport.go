// Package transport accepts client connections over TCP or TLS and hands each one to a
// session handler in its own goroutine.
package transport

import (
	"context"
	"net"
)

// ServerTransport is one listener instance. The supervisor runs one per worker.
type ServerTransport interface {
	// Start binds (or adopts a shared listener) and begins accepting in the background.
	Start(ctx context.Context, handler SessionHandler) error

	// Stop closes the listener and every open connection, then waits for all sessions.
	Stop() error

	// Address returns the bound address, or the configured one before Start.
	Address() string
}

// SessionHandler serves one accepted connection until it ends.
// Implementations must close conn before returning.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn net.Conn) error
}

// SessionHandlerFunc adapts a function to SessionHandler.
type SessionHandlerFunc func(ctx context.Context, conn net.Conn) error

func (f SessionHandlerFunc) HandleSession(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}
