package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
)

const maxAcceptBackoff = time.Second

// TCPTransport accepts connections on one listener and serves each in its own goroutine.
// It either binds its own socket from ListenOptions or runs on a listener shared with
// other workers.
type TCPTransport struct {
	opts   ListenOptions
	shared net.Listener
	name   string
	logger log.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	stopCh   chan struct{}
	cancel   context.CancelFunc

	sessions *xsync.MapOf[uint64, net.Conn]
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

// Option customises a TCPTransport.
type Option func(*TCPTransport)

// WithName labels the transport's log records, typically with the worker id.
func WithName(name string) Option {
	return func(t *TCPTransport) { t.name = name }
}

// WithListener makes the transport accept on ln instead of binding its own socket.
// Stop closes ln, so every transport sharing it stops accepting.
func WithListener(ln net.Listener) Option {
	return func(t *TCPTransport) { t.shared = ln }
}

// NewTCPTransport creates a transport that is not yet listening.
func NewTCPTransport(opts ListenOptions, logger log.Logger, options ...Option) *TCPTransport {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	t := &TCPTransport{
		opts:     opts,
		logger:   logger,
		sessions: xsync.NewMapOf[uint64, net.Conn](),
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Start binds the listener (unless one is shared) and starts the accept loop.
func (t *TCPTransport) Start(ctx context.Context, handler SessionHandler) error {
	if handler == nil {
		return errors.New("TCP transport requires a session handler")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("TCP transport already running")
	}

	ln := t.shared
	if ln == nil {
		var err error
		ln, err = Listen(ctx, t.opts)
		if err != nil {
			return err
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	// cancelling ctx stops the accept loop even without Stop
	context.AfterFunc(sessCtx, func() { _ = ln.Close() })
	t.listener = ln
	t.cancel = cancel
	t.stopCh = make(chan struct{})
	t.running = true

	t.logger.Info(t.fields(map[string]any{
		"address": ln.Addr().String(),
	}), "Lookup transport started")

	t.wg.Add(1)
	go t.acceptLoop(sessCtx, ln, handler)

	return nil
}

// Stop closes the listener and all open connections and waits for their sessions to end.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	t.cancel()

	closeErr := t.listener.Close()
	if errors.Is(closeErr, net.ErrClosed) {
		// a sibling sharing the listener got there first
		closeErr = nil
	}
	if closeErr != nil {
		t.logger.Warn(t.fields(map[string]any{
			"error": closeErr.Error(),
		}), "Error closing TCP listener")
	}

	t.sessions.Range(func(_ uint64, conn net.Conn) bool {
		_ = conn.Close()
		return true
	})
	t.mu.Unlock()

	t.wg.Wait()

	t.logger.Info(t.fields(map[string]any{
		"address": t.Address(),
	}), "Lookup transport stopped")

	return closeErr
}

// Address returns the bound address once started, otherwise the configured one.
func (t *TCPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	if t.shared != nil {
		return t.shared.Addr().String()
	}
	return t.opts.Address()
}

// ActiveSessions returns the number of connections currently being served.
func (t *TCPTransport) ActiveSessions() int {
	return t.sessions.Size()
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener, handler SessionHandler) {
	defer t.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				t.logger.Debug(t.fields(nil), "TCP transport stopping due to stop signal")
				return
			default:
			}
			if ctx.Err() != nil {
				t.logger.Debug(t.fields(nil), "TCP transport stopping due to context cancellation")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				t.logger.Debug(t.fields(nil), "TCP listener closed")
				return
			}

			backoff = nextBackoff(backoff)
			t.logger.Warn(t.fields(map[string]any{
				"error":   err.Error(),
				"backoff": backoff.String(),
			}), "Failed to accept connection")

			select {
			case <-time.After(backoff):
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		id := t.nextID.Add(1)
		t.sessions.Store(id, conn)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.sessions.Delete(id)
			t.serve(ctx, conn, handler)
		}()
	}
}

func (t *TCPTransport) serve(ctx context.Context, conn net.Conn, handler SessionHandler) {
	client := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			t.logger.Error(t.fields(map[string]any{
				"client": client,
				"panic":  fmt.Sprint(r),
			}), "Session panicked")
		}
	}()

	t.logger.Debug(t.fields(map[string]any{
		"client": client,
	}), "Accepted connection")

	if err := handler.HandleSession(ctx, conn); err != nil {
		t.logger.Warn(t.fields(map[string]any{
			"client": client,
			"error":  err,
		}), "Session terminated")
	}
}

func (t *TCPTransport) fields(f map[string]any) map[string]any {
	if f == nil {
		f = make(map[string]any, 2)
	}
	f["transport"] = "tcp"
	if t.opts.TLSConfig != nil {
		f["transport"] = "tls"
	}
	if t.name != "" {
		f["worker"] = t.name
	}
	return f
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
