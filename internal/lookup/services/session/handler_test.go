package session

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-lookup/internal/lookup/common/clock"
	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/domain"
	"github.com/haukened/rr-lookup/internal/lookup/infra/metrics"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content/lru"
)

// MockLogger implements log.Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Info(fields map[string]any, msg string)  { m.Called(fields, msg) }
func (m *MockLogger) Error(fields map[string]any, msg string) { m.Called(fields, msg) }
func (m *MockLogger) Debug(fields map[string]any, msg string) { m.Called(fields, msg) }
func (m *MockLogger) Warn(fields map[string]any, msg string)  { m.Called(fields, msg) }
func (m *MockLogger) Panic(fields map[string]any, msg string) { m.Called(fields, msg) }
func (m *MockLogger) Fatal(fields map[string]any, msg string) { m.Called(fields, msg) }

// staticStore returns a fixed snapshot and optionally advances a clock per call.
type staticStore struct {
	mu    sync.Mutex
	snap  domain.Snapshot
	clk   *clock.MockClock
	step  time.Duration
	err   error
	calls int
}

func (s *staticStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *staticStore) Snapshot(context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.clk != nil {
		s.clk.Advance(s.step)
	}
	return s.snap, s.err
}

// faultConn fails every Read with err.
type faultConn struct {
	net.Conn
	err    error
	closed bool
	mu     sync.Mutex
}

func (c *faultConn) Read([]byte) (int, error) { return 0, c.err }
func (c *faultConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Conn.Close()
}

func fruitSnapshot() domain.Snapshot {
	return domain.NewSnapshot([]string{"apple", "banana", "cherry"})
}

func newHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	return h
}

// startSession runs HandleSession on one end of a pipe and returns the other end.
func startSession(t *testing.T, ctx context.Context, h *Handler) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.HandleSession(ctx, server) }()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func ask(t *testing.T, conn net.Conn, r *bufio.Reader, query string) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write([]byte(query))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func TestNewHandler_RequiresStore(t *testing.T) {
	h, err := NewHandler(Options{})
	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestNewHandler_Defaults(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{}})
	assert.NotNil(t, h.codec)
	assert.NotNil(t, h.clock)
	assert.NotNil(t, h.metrics)
	assert.Equal(t, DefaultBufferSize, h.bufferSize)
}

func TestNewHandler_CacheRejectedForRereadStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.txt")
	require.NoError(t, os.WriteFile(path, []byte("apple\n"), 0o644))
	cache, err := lru.New(8)
	require.NoError(t, err)

	h, err := NewHandler(Options{Store: content.NewRereadStore(path, content.Options{}), Cache: cache})
	assert.Error(t, err)
	assert.Nil(t, h)

	cached, err := content.NewCachedStore(path, content.Options{})
	require.NoError(t, err)
	h, err = NewHandler(Options{Store: cached, Cache: cache})
	require.NoError(t, err)
	assert.NotNil(t, h)
}

// serveAll asks every query over one session and returns the responses.
func serveAll(t *testing.T, h *Handler, queries []string) []string {
	t.Helper()
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		out = append(out, ask(t, client, r, q))
	}
	require.NoError(t, client.Close())
	require.NoError(t, waitDone(t, done))
	return out
}

func TestHandleSession_VerdictCacheMatchesUncached(t *testing.T) {
	queries := []string{
		"banana\n", "grape\n", "banana\n", "  banana \r\n", "\n", "\n",
		"grape\n", "cherry\n", "apple\n", "kiwi\n", "apple\n", "cherry\n",
	}

	plainStore := &staticStore{snap: fruitSnapshot()}
	plain := serveAll(t, newHandler(t, Options{Store: plainStore}), queries)

	cache, err := lru.New(2)
	require.NoError(t, err)
	cachedStore := &staticStore{snap: fruitSnapshot()}
	withCache := serveAll(t, newHandler(t, Options{Store: cachedStore, Cache: cache}), queries)

	assert.Equal(t, plain, withCache)
	assert.Equal(t, len(queries), plainStore.count())
	assert.Less(t, cachedStore.count(), plainStore.count())

	hits, _, evictions := cache.Stats()
	assert.Positive(t, hits)
	assert.Positive(t, evictions)
}

func TestHandleSession_Verdicts(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"present line", "banana\n", "STRING EXISTS\n"},
		{"absent line", "grape\n", "STRING NOT FOUND\n"},
		{"no trailing newline", "cherry", "STRING EXISTS\n"},
		{"empty query", "\n", "STRING NOT FOUND\n"},
		{"padded query", "   apple  \r\n", "STRING EXISTS\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
			client, done := startSession(t, context.Background(), h)
			r := bufio.NewReader(client)

			assert.Equal(t, tt.want, ask(t, client, r, tt.query))

			require.NoError(t, client.Close())
			assert.NoError(t, waitDone(t, done))
		})
	}
}

func TestHandleSession_PersistentConnection(t *testing.T) {
	store := &staticStore{snap: fruitSnapshot()}
	h := newHandler(t, Options{Store: store})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "apple\n"))
	assert.Equal(t, "STRING NOT FOUND\n", ask(t, client, r, "kiwi\n"))
	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "cherry\n"))
	assert.Equal(t, 3, store.count())

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestHandleSession_PipelinedQueriesInOneRead(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte("apple\ngrape\nbanana\n"))
	require.NoError(t, err)

	for _, want := range []string{"STRING EXISTS\n", "STRING NOT FOUND\n", "STRING EXISTS\n"} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestHandleSession_ShortReadProcessedAsReceived(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: domain.NewSnapshot([]string{"abcd", "ab"})}, BufferSize: 2})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	// "abcd" arrives as two reads of two bytes, each answered separately
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte("abcd"))
		writeErr <- err
	}()

	first, err := r.ReadString('\n')
	require.NoError(t, err)
	second, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STRING EXISTS\n", first)     // "ab"
	assert.Equal(t, "STRING NOT FOUND\n", second) // "cd"
	require.NoError(t, <-writeErr)

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestHandleSession_LogsCumulativeExecutionTime(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC))
	store := &staticStore{snap: fruitSnapshot(), clk: clk, step: 100 * time.Millisecond}

	logger := &MockLogger{}
	logger.On("Debug", mock.Anything, mock.Anything).Maybe()
	logger.On("Info", mock.MatchedBy(func(f map[string]any) bool {
		return f["query"] == "apple" && f["execution_ms"] == 100.0 && f["latency_ms"] == 100.0 &&
			f["verdict"] == "found" && f["client_ip"] != nil
	}), "Query served").Once()
	logger.On("Info", mock.MatchedBy(func(f map[string]any) bool {
		return f["query"] == "grape" && f["execution_ms"] == 200.0 && f["latency_ms"] == 100.0 &&
			f["verdict"] == "not_found"
	}), "Query served").Once()

	h := newHandler(t, Options{Store: store, Clock: clk, Logger: logger})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "apple\n"))
	assert.Equal(t, "STRING NOT FOUND\n", ask(t, client, r, "grape\n"))

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
	logger.AssertExpectations(t)
}

func TestHandleSession_RereadReflectsRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.txt")
	require.NoError(t, os.WriteFile(path, []byte("apple\nbanana\ncherry\n"), 0o644))

	h := newHandler(t, Options{Store: content.NewRereadStore(path, content.Options{})})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "banana\n"))

	require.NoError(t, os.WriteFile(path, []byte("grape\n"), 0o644))

	assert.Equal(t, "STRING NOT FOUND\n", ask(t, client, r, "banana\n"))
	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "grape\n"))

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestHandleSession_DatasetFailureEndsSession(t *testing.T) {
	dsErr := domain.NewDatasetError("/srv/words.txt", domain.ErrDatasetNotFound, nil)
	h := newHandler(t, Options{Store: &staticStore{err: dsErr}})
	client, done := startSession(t, context.Background(), h)

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte("apple\n"))
	require.NoError(t, err)

	err = waitDone(t, done)
	assert.ErrorIs(t, err, domain.ErrDatasetUnavailable)

	// no false "not found" is written, the connection is just closed
	buf := make([]byte, 32)
	n, rerr := client.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, rerr)
}

func TestHandleSession_InvalidUTF8(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
	client, done := startSession(t, context.Background(), h)

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte{0xff, 0xfe, '\n'})
	require.NoError(t, err)

	assert.ErrorIs(t, waitDone(t, done), domain.ErrInvalidEncoding)
}

func TestHandleSession_CharacterSplitAcrossReads(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: domain.NewSnapshot([]string{"é"})}, BufferSize: 4})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	// the first read ends in the middle of "é"
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte("abcé\n"))
		writeErr <- err
	}()

	first, err := r.ReadString('\n')
	require.NoError(t, err)
	second, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STRING NOT FOUND\n", first) // "abc"
	assert.Equal(t, "STRING EXISTS\n", second)   // "é"
	require.NoError(t, <-writeErr)

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestHandleSession_QueriesBeforeInvalidLineAreAnswered(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte("apple\n\xff\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STRING EXISTS\n", line)

	assert.ErrorIs(t, waitDone(t, done), domain.ErrInvalidEncoding)
}

func TestHandleSession_StreamEndsInsideCharacter(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
	client, done := startSession(t, context.Background(), h)
	r := bufio.NewReader(client)

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte("apple\n\xc3"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STRING EXISTS\n", line)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, waitDone(t, done), domain.ErrInvalidEncoding)
}

func TestHandleSession_ConnectionResetIsFault(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := &faultConn{Conn: server, err: syscall.ECONNRESET}

	rec := metrics.New()
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}, Metrics: rec})

	err := h.HandleSession(context.Background(), conn)
	assert.ErrorIs(t, err, domain.ErrConnectionFault)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.True(t, conn.closed)
	assert.Equal(t, int64(0), rec.Active())
}

func TestHandleSession_WriteFailureIsFault(t *testing.T) {
	server, client := net.Pipe()
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})

	done := make(chan error, 1)
	go func() { done <- h.HandleSession(context.Background(), server) }()

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Write([]byte("apple\n"))
	require.NoError(t, err)
	// close before reading the response so the server write fails
	require.NoError(t, client.Close())

	err = waitDone(t, done)
	assert.ErrorIs(t, err, domain.ErrConnectionFault)
	assert.Contains(t, err.Error(), "write")
}

func TestHandleSession_CancelAbandonsSession(t *testing.T) {
	h := newHandler(t, Options{Store: &staticStore{snap: fruitSnapshot()}})
	ctx, cancel := context.WithCancel(context.Background())
	client, done := startSession(t, ctx, h)
	r := bufio.NewReader(client)

	assert.Equal(t, "STRING EXISTS\n", ask(t, client, r, "apple\n"))

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", clientIP(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}))
	assert.Equal(t, "::1", clientIP(&net.TCPAddr{IP: net.IPv6loopback, Port: 5000}))
	assert.Equal(t, "10.1.2.3", clientIP(&net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1}))
	assert.Equal(t, "pipe", clientIP(pipeAddr{}))
	assert.Equal(t, "unknown", clientIP(nil))
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
