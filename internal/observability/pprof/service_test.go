package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	logx "missionctl/pkg/logx"
)

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	h := Handler("s3cret")
	cases := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"missing", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz", nil) }, http.StatusUnauthorized},
		{"wrong", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz?token=nope", nil) }, http.StatusUnauthorized},
		{"query", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz?token=s3cret", nil) }, http.StatusOK},
		{"bearer", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
			r.Header.Set("Authorization", "Bearer s3cret")
			return r
		}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tc.req())
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestHandlerWithoutToken(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	Handler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestServiceApplyAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	s := New(logx.Nop())

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Apply(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())

	s.Apply(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Addr(), "an insecure bind is refused")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	http.DefaultClient.CloseIdleConnections()
}
