package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/coordinator"
	"github.com/pagesink/pagesink/internal/metrics"
)

func TestServerHealthz(t *testing.T) {
	t.Parallel()
	metrics.Init()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerReadyzTracksPipeline(t *testing.T) {
	t.Parallel()
	metrics.Init()

	pipeline := &fakePipeline{}
	server := NewServer(pipeline, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	pipeline.setHealthy(true)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestServerStatsSnapshot(t *testing.T) {
	t.Parallel()
	metrics.Init()

	pipeline := &fakePipeline{stats: coordinator.Stats{
		Running:          true,
		Polled:           12,
		Persisted:        9,
		DeadLettered:     2,
		Commits:          10,
		PendingCommits:   1,
		CommittedOffsets: map[string]int64{"tasks/0": 8},
	}}
	server := NewServer(pipeline, &fakeDepth{depth: 3}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(12), resp.Pipeline.Polled)
	require.Equal(t, uint64(9), resp.Pipeline.Persisted)
	require.Equal(t, int64(8), resp.Pipeline.CommittedOffsets["tasks/0"])
	require.Equal(t, 3, resp.DeadLetterDepth)
}

func TestServerStatsWithoutDeadLetterQueue(t *testing.T) {
	t.Parallel()
	metrics.Init()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Zero(t, resp.DeadLetterDepth)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()
	metrics.Init()
	metrics.ObserveCommit()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pagesink_commits_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	metrics.Init()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server := newTestServer()
	h := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakePipeline struct {
	mu      sync.Mutex
	healthy bool
	stats   coordinator.Stats
}

func (p *fakePipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakePipeline) setHealthy(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = v
}

func (p *fakePipeline) Stats() coordinator.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

type fakeDepth struct {
	depth int
}

func (d *fakeDepth) Depth() int { return d.depth }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer() *Server {
	return NewServer(&fakePipeline{healthy: true}, nil, zap.NewNop())
}
