// Package session drives a single client connection through the read, lookup,
// respond loop of the query protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haukened/rr-lookup/internal/lookup/common/clock"
	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/domain"
	"github.com/haukened/rr-lookup/internal/lookup/gateways/wire"
	"github.com/haukened/rr-lookup/internal/lookup/infra/metrics"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content"
	"github.com/haukened/rr-lookup/internal/lookup/services/engine"
)

// DefaultBufferSize is the number of bytes consumed by one read when unset.
const DefaultBufferSize = 1024

// Options configures a Handler. Store is required; everything else has a default.
type Options struct {
	Store      ContentStore
	Codec      wire.QueryCodec
	Clock      clock.Clock
	Logger     log.Logger
	Metrics    metrics.Recorder
	BufferSize int

	// Cache short-circuits repeated queries. It is rejected for stores in
	// content.ModeReread, whose snapshot changes under it.
	Cache VerdictCache
}

// Handler serves sessions. One Handler is shared by every connection of every worker;
// it holds no per-session state.
type Handler struct {
	store      ContentStore
	codec      wire.QueryCodec
	clock      clock.Clock
	logger     log.Logger
	metrics    metrics.Recorder
	cache      VerdictCache
	bufferSize int
}

// NewHandler builds a Handler, filling in defaults for unset options.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session handler requires a content store")
	}
	if opts.Cache != nil {
		if m, ok := opts.Store.(interface{ Mode() content.Mode }); ok && m.Mode() == content.ModeReread {
			return nil, fmt.Errorf("verdict cache cannot be used with a %s store", content.ModeReread)
		}
	}
	h := &Handler{
		store:      opts.Store,
		codec:      opts.Codec,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		cache:      opts.Cache,
		bufferSize: opts.BufferSize,
	}
	if h.codec == nil {
		h.codec = wire.NewLineCodec()
	}
	if h.clock == nil {
		h.clock = clock.RealClock{}
	}
	if h.logger == nil {
		h.logger = log.NewNoopLogger()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewNoop()
	}
	if h.bufferSize <= 0 {
		h.bufferSize = DefaultBufferSize
	}
	return h, nil
}

// state tracks one connection between reads.
type state struct {
	conn   net.Conn
	client string
	start  time.Time

	// pending holds the leading bytes of a multi-byte character cut by the previous read.
	pending []byte
}

// HandleSession runs the protocol loop on conn until the client closes it, an error
// occurs, or ctx is cancelled. conn is always closed before HandleSession returns.
//
// A clean EOF and cancellation both return nil. Read and write failures are wrapped
// with domain.ErrConnectionFault; an unreadable dataset in reread mode returns its
// *domain.DatasetError; non UTF-8 input returns domain.ErrInvalidEncoding.
func (h *Handler) HandleSession(ctx context.Context, conn net.Conn) (err error) {
	st := &state{
		conn:   conn,
		client: clientIP(conn.RemoteAddr()),
		start:  h.clock.Now(),
	}
	h.metrics.SessionOpened()

	// unblock a pending Read when the server shuts down
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	defer func() {
		stop()
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			h.logger.Debug(map[string]any{"client_ip": st.client, "error": cerr}, "Error closing connection")
		}
		h.metrics.SessionClosed(err)
		h.logger.Debug(map[string]any{"client_ip": st.client}, "Closing connection")
	}()

	buf := make([]byte, h.bufferSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if serr := h.serveChunk(ctx, st, st.take(buf[:n])); serr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return serr
			}
		}
		if rerr != nil {
			switch {
			case errors.Is(rerr, io.EOF):
				if len(st.pending) > 0 {
					// the stream ended inside a character
					return h.serveChunk(ctx, st, st.pending)
				}
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return domain.ConnectionFault(st.client, "read", rerr)
			}
		}
	}
}

// serveChunk answers every query contained in one read.
// Queries decoded before an invalid line are still answered.
func (h *Handler) serveChunk(ctx context.Context, st *state, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	queries, derr := h.codec.DecodeQueries(chunk)
	for _, q := range queries {
		if err := h.serveQuery(ctx, st, q); err != nil {
			return err
		}
	}
	if derr != nil {
		return fmt.Errorf("decode query from %s: %w", st.client, derr)
	}
	return nil
}

// take prepends the bytes held back from the previous read to data and holds back
// a trailing incomplete character, so a character split between reads is decoded
// whole. The returned slice is only valid until the next read.
func (st *state) take(data []byte) []byte {
	if len(st.pending) > 0 {
		data = append(st.pending, data...)
		st.pending = nil
	}
	head, tail := wire.SplitIncompleteRune(data)
	if len(tail) > 0 {
		st.pending = append(make([]byte, 0, utf8.UTFMax), tail...)
	}
	return head
}

func (h *Handler) serveQuery(ctx context.Context, st *state, q domain.Query) error {
	queryStart := h.clock.Now()

	verdict, err := h.verdict(ctx, q)
	if err != nil {
		return err
	}
	response := h.codec.EncodeVerdict(verdict)

	// execution time is measured from session start, not from this query
	elapsed := clock.Since(h.clock, st.start)
	latency := clock.Since(h.clock, queryStart)

	if _, err := st.conn.Write(response); err != nil {
		return domain.ConnectionFault(st.client, "write", err)
	}

	h.metrics.QueryServed(verdict, latency)
	h.logger.Info(map[string]any{
		"client_ip":    st.client,
		"query":        q.Text,
		"verdict":      verdict.Label(),
		"execution_ms": clock.Millis(elapsed),
		"latency_ms":   clock.Millis(latency),
	}, "Query served")
	return nil
}

// verdict consults the cache before matching q against the current snapshot.
func (h *Handler) verdict(ctx context.Context, q domain.Query) (domain.Verdict, error) {
	key := strings.TrimSpace(q.Text)
	if h.cache != nil && key != "" {
		if v, ok := h.cache.Get(key); ok {
			return v, nil
		}
	}

	snap, err := h.store.Snapshot(ctx)
	if err != nil {
		return domain.NotFound, err
	}
	v := engine.Lookup(snap, q)
	if h.cache != nil && key != "" {
		h.cache.Put(key, v)
	}
	return v, nil
}

// clientIP extracts the host part of addr.
func clientIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
