package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logx "taskforge/pkg/logx"
)

func startServer(t *testing.T, cfg Config, src Sources) (*Service, string) {
	t.Helper()
	s := New(cfg, src, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	return s, "http://" + s.Addr()
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestService_Endpoints(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "taskforge_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	src := Sources{
		Gatherer: reg,
		Tasks:    func() any { return map[string]int{"active": 2} },
		Runs: func(_ context.Context, limit int) (any, error) {
			if limit == 1 {
				return nil, errors.New("boom")
			}
			return []string{"a", "b"}, nil
		},
	}
	_, base := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, src)

	code, body := get(t, base+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get(t, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "taskforge_test_total 3")

	code, body = get(t, base+"/tasks", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"active":2}`, body)

	code, body = get(t, base+"/runs?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `["a","b"]`, body)

	code, _ = get(t, base+"/runs?limit=x", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, base+"/runs?limit=1", "")
	require.Equal(t, http.StatusInternalServerError, code)

	// pprof is off unless asked for.
	code, _ = get(t, base+"/debug/pprof/", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestService_Token(t *testing.T) {
	t.Parallel()
	_, base := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}, Sources{})

	code, _ := get(t, base+"/healthz", "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "s3cret")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/healthz?token=s3cret", "")
	require.Equal(t, http.StatusOK, code)

	code, body := get(t, base+"/debug/pprof/", "s3cret")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "goroutine"))
}

func TestService_ReconfigureRestarts(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{})
	first := s.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, first)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
