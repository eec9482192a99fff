// Package supervisor runs N listener workers over one address and tears them down together.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/gateways/transport"
)

// FallbackWorkers is used when the CPU count cannot be determined.
const FallbackWorkers = 2

// WorkerCount resolves how many workers to run. An explicit count wins, otherwise
// perCPU workers per CPU.
func WorkerCount(explicit, perCPU, numCPU int) int {
	if explicit > 0 {
		return explicit
	}
	if numCPU <= 0 {
		return FallbackWorkers
	}
	if perCPU <= 0 {
		perCPU = 1
	}
	return perCPU * numCPU
}

// TransportFactory builds the transport for one worker. shared is nil when the
// worker binds its own socket.
type TransportFactory func(name string, opts transport.ListenOptions, shared net.Listener, logger log.Logger) transport.ServerTransport

// Options configures a Supervisor.
type Options struct {
	Workers         int
	Listen          transport.ListenOptions
	Handler         transport.SessionHandler
	Logger          log.Logger
	ShutdownTimeout time.Duration

	// NewTransport defaults to a TCPTransport.
	NewTransport TransportFactory
}

// Supervisor owns the worker transports.
type Supervisor struct {
	opts Options

	mu      sync.RWMutex
	address string
	ready   chan struct{}
}

// New validates opts and returns a Supervisor ready to Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Handler == nil {
		return nil, errors.New("supervisor requires a session handler")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("invalid worker count %d", opts.Workers)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.NewTransport == nil {
		opts.NewTransport = defaultTransport
	}
	return &Supervisor{opts: opts, ready: make(chan struct{})}, nil
}

func defaultTransport(name string, opts transport.ListenOptions, shared net.Listener, logger log.Logger) transport.ServerTransport {
	options := []transport.Option{transport.WithName(name)}
	if shared != nil {
		options = append(options, transport.WithListener(shared))
	}
	return transport.NewTCPTransport(opts, logger, options...)
}

// Ready is closed once every worker is accepting.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Address returns the bound address after Ready, or the configured one before.
func (s *Supervisor) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.address != "" {
		return s.address
	}
	return s.opts.Listen.Address()
}

// Run starts every worker, blocks until ctx is cancelled, then stops them all.
// If any worker fails to start the ones already running are stopped and the error
// is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	listen := s.opts.Listen

	var shared net.Listener
	if !listen.ReusePort {
		ln, err := transport.Listen(ctx, listen)
		if err != nil {
			return err
		}
		shared = ln
	}

	started := make([]transport.ServerTransport, 0, s.opts.Workers)
	for i := 1; i <= s.opts.Workers; i++ {
		name := "worker-" + strconv.Itoa(i)
		tr := s.opts.NewTransport(name, listen, shared, s.opts.Logger)
		if err := tr.Start(ctx, s.opts.Handler); err != nil {
			_ = stopAll(started)
			if shared != nil {
				_ = shared.Close()
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, tr)

		// the first worker's bind fixes an ephemeral port for the rest
		if listen.ReusePort && listen.Port == 0 {
			if port, ok := portOf(tr.Address()); ok {
				listen.Port = port
			}
		}
	}

	s.mu.Lock()
	s.address = started[0].Address()
	s.mu.Unlock()
	close(s.ready)

	s.opts.Logger.Info(map[string]any{
		"address":    s.Address(),
		"workers":    len(started),
		"reuse_port": listen.ReusePort,
		"tls":        listen.TLSConfig != nil,
	}, "Server started")

	<-ctx.Done()

	s.opts.Logger.Info(map[string]any{
		"workers": len(started),
	}, "Stopping workers")

	if err := s.stop(started); err != nil {
		s.opts.Logger.Error(map[string]any{
			"error": err,
		}, "Workers did not stop cleanly")
		return err
	}

	s.opts.Logger.Info(map[string]any{
		"address": s.Address(),
	}, "Server terminated")
	return nil
}

func (s *Supervisor) stop(workers []transport.ServerTransport) error {
	if s.opts.ShutdownTimeout <= 0 {
		return stopAll(workers)
	}

	done := make(chan error, 1)
	go func() { done <- stopAll(workers) }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.opts.ShutdownTimeout):
		return fmt.Errorf("workers still running after %s", s.opts.ShutdownTimeout)
	}
}

func stopAll(workers []transport.ServerTransport) error {
	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Stop()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func portOf(addr string) (int, bool) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, false
	}
	return port, true
}
