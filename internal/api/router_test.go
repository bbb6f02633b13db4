package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/airparif-influx/internal/api"
	"github.com/breatheroute/airparif-influx/internal/api/models"
	"github.com/breatheroute/airparif-influx/internal/exporter"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
)

const line = "pollution,insee=75101,day=current,city=Paris\\ 1er\\ Arrondissement index=42 1590271200000000000\n"

type stubRunner struct {
	calls int
	opts  exporter.Options
}

func (s *stubRunner) Run(_ context.Context, w io.Writer, opts exporter.Options) error {
	s.calls++
	s.opts = opts
	_, err := io.WriteString(w, line)
	return err
}

type stubUpstreams []*resilience.UpstreamHealth

func (s stubUpstreams) Health() []*resilience.UpstreamHealth { return s }

func newTestRouter(runner *stubRunner, limit int) http.Handler {
	return api.NewRouter(api.RouterConfig{
		Version:   "test",
		BuildTime: "2026-10-01T00:00:00Z",
		Logger:    zerolog.New(io.Discard),
		Runner:    runner,
		Defaults:  exporter.Options{AreaCodes: []string{"75101"}, ResolveNames: true},
		Upstreams: stubUpstreams{
			{Name: "airparif", CircuitState: gobreaker.StateClosed},
		},
		MetricsRateLimit: limit,
	})
}

func TestRouter_Metrics(t *testing.T) {
	runner := &stubRunner{}
	router := newTestRouter(runner, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, line, w.Body.String())
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, []string{"75101"}, runner.opts.AreaCodes)
	assert.True(t, runner.opts.ResolveNames)
}

func TestRouter_MetricsQueryOverride(t *testing.T) {
	runner := &stubRunner{}
	router := newTestRouter(runner, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics?city=94028&name=false", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"94028"}, runner.opts.AreaCodes)
	assert.False(t, runner.opts.ResolveNames)
}

func TestRouter_MetricsRateLimit(t *testing.T) {
	runner := &stubRunner{}
	router := newTestRouter(runner, 2)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
		req.RemoteAddr = "203.0.113.7:5000"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	assert.Equal(t, 2, runner.calls)
}

func TestRouter_HealthCheck(t *testing.T) {
	router := newTestRouter(&stubRunner{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var health models.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Details["version"])
}

func TestRouter_SystemStatus(t *testing.T) {
	router := newTestRouter(&stubRunner{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/status", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var status models.SystemStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.HealthStatusOK, status.Status)
	require.Len(t, status.Providers, 1)
	assert.Equal(t, "airparif", status.Providers[0].Provider)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&stubRunner{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/unknown", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, models.ProblemTypeNotFound, problem.Type)
	assert.Equal(t, "/v1/unknown", problem.Instance)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	runner := &stubRunner{}
	router := newTestRouter(runner, 0)

	req := httptest.NewRequest(http.MethodPost, "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Zero(t, runner.calls)

	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, models.ProblemTypeMethod, problem.Type)
}

func TestRouter_PropagatesRequestID(t *testing.T) {
	router := newTestRouter(&stubRunner{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	req.Header.Set("X-Request-Id", "req_from_telegraf")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, "req_from_telegraf", w.Header().Get("X-Request-Id"))
}

func TestRouter_SystemStatusOmitsUpstreamURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := upstream.URL
	upstream.Close()

	registry := resilience.NewRegistry()
	cfg := resilience.DefaultClientConfig("airparif")
	cfg.Registry = registry
	client := resilience.NewClient(cfg)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		closedURL+"/indice?date=jour&key=TOPSECRETKEY", http.NoBody)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)

	router := api.NewRouter(api.RouterConfig{
		Logger:    zerolog.New(io.Discard),
		Runner:    &stubRunner{},
		Upstreams: registry,
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ops/status", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"message":"Get: `)
	assert.NotContains(t, w.Body.String(), "TOPSECRETKEY")
}
