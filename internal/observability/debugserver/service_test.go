package debugserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clockwork/internal/metrics"
)

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.SyncAction("install", nil)
	healthy := true
	s := New(Config{}, WithMetrics(m.Handler()), WithHealth(func() error {
		if !healthy {
			return errors.New("poller stalled")
		}
		return nil
	}))

	h := s.Handler(Config{Pprof: true})
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clockwork_sync_actions_total")

	assert.Equal(t, http.StatusOK, get("/debug/pprof/").Code)
	assert.Equal(t, http.StatusPermanentRedirect, get("/debug/pprof").Code)

	noPprof := s.Handler(Config{})
	rec = httptest.NewRecorder()
	noPprof.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()
	s := New(Config{}, WithStatus(func(context.Context) any {
		return []map[string]string{{"job": "report", "status": "loaded"}}
	}))
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[{"job":"report","status":"loaded"}]`, rec.Body.String())

	rec = httptest.NewRecorder()
	New(Config{}).Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{}).Handler(Config{Token: "s3cret"})
	cases := []struct {
		path, header string
		want         int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz?token=nope", "", http.StatusUnauthorized},
		{"/healthz?token=s3cret", "", http.StatusOK},
		{"/healthz", "Bearer s3cret", http.StatusOK},
		{"/healthz", "Bearer wrong", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.path, tc.header)
	}
}

func TestLoopbackDetection(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
	assert.False(t, isLoopbackAddr("nonsense"))
	assert.Equal(t, "/x/", normalizePrefix("x"))
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"})
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
	s.mu.Lock()
	assert.Nil(t, s.sup)
	s.mu.Unlock()
	assert.Equal(t, "", s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"})
	err := s.serveOnce(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}
