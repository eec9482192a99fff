// Package metrics exposes server counters in Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// Recorder receives session and query events from the session handler.
type Recorder interface {
	SessionOpened()
	SessionClosed(err error)
	QueryServed(v domain.Verdict, latency time.Duration)
}

// Metrics is a Recorder backed by a private VictoriaMetrics set.
type Metrics struct {
	set *vm.Set

	active         *xsync.Counter
	sessionsOpened *vm.Counter
	sessionsFailed *vm.Counter
	found          *vm.Counter
	notFound       *vm.Counter
	latency        *vm.Histogram
}

// New registers every metric on a fresh set.
func New() *Metrics {
	set := vm.NewSet()
	m := &Metrics{
		set:            set,
		active:         xsync.NewCounter(),
		sessionsOpened: set.NewCounter("lookup_sessions_total"),
		sessionsFailed: set.NewCounter("lookup_session_errors_total"),
		found:          set.NewCounter(`lookup_queries_total{verdict="found"}`),
		notFound:       set.NewCounter(`lookup_queries_total{verdict="not_found"}`),
		latency:        set.NewHistogram("lookup_query_duration_seconds"),
	}
	set.NewGauge("lookup_sessions_active", func() float64 {
		return float64(m.active.Value())
	})
	return m
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.active.Inc()
}

func (m *Metrics) SessionClosed(err error) {
	m.active.Dec()
	if err != nil {
		m.sessionsFailed.Inc()
	}
}

func (m *Metrics) QueryServed(v domain.Verdict, latency time.Duration) {
	if v.IsFound() {
		m.found.Inc()
	} else {
		m.notFound.Inc()
	}
	m.latency.Update(latency.Seconds())
}

// Active returns the number of open sessions.
func (m *Metrics) Active() int64 { return m.active.Value() }

// WritePrometheus writes every metric in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Handler serves WritePrometheus over HTTP.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
}

type noop struct{}

func (noop) SessionOpened()                            {}
func (noop) SessionClosed(error)                       {}
func (noop) QueryServed(domain.Verdict, time.Duration) {}

// NewNoop returns a Recorder that drops every event.
func NewNoop() Recorder { return noop{} }

// Endpoint is a bound HTTP listener serving /metrics.
type Endpoint struct {
	ln     net.Listener
	srv    *http.Server
	logger log.Logger
}

// Listen binds addr so configuration errors surface before the server starts.
func Listen(addr string, m *Metrics, logger log.Logger) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics endpoint on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Endpoint{
		ln:     ln,
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (e *Endpoint) Addr() string { return e.ln.Addr().String() }

// Serve blocks until ctx is cancelled, then shuts the HTTP server down.
func (e *Endpoint) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.srv.Serve(e.ln)
	}()

	e.logger.Info(map[string]any{"address": e.Addr()}, "Metrics endpoint started")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics endpoint on %s: %w", e.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics endpoint shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = noop{}
)
