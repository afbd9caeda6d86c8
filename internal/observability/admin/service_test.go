package admin

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

	"cronrelay/internal/runtime/supervisor"
	logx "cronrelay/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(b)
}

func TestHandler_HealthReflectsSupervisor(t *testing.T) {
	sup := supervisor.New(context.Background())
	s := New(Config{}, logx.Nop(), WithSupervisor(sup))
	h := s.Handler(Config{})

	code, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	sup.Go("http.serve", func(ctx context.Context) error { return errors.New("bind failed") })
	require.Error(t, sup.Wait(context.Background()))

	code, body = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "bind failed")

	code, body = get(t, h, "/debug/supervisor")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"name": "http.serve"`)
}

func TestHandler_MetricsAndPprof(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cronrelay_jobs_registered 1\n"))
	})
	s := New(Config{}, logx.Nop(), WithMetrics(metrics))
	h := s.Handler(Config{PprofPrefix: "ops/pprof"})

	code, body := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "cronrelay_jobs_registered")

	code, body = get(t, h, "/ops/pprof/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "goroutine")

	code, _ = get(t, h, "/ops/pprof")
	assert.Equal(t, http.StatusPermanentRedirect, code)

	code, _ = get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_Token(t *testing.T) {
	s := New(Config{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	code, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, h, "/healthz", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, h, "/healthz", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, h, "/healthz?token=s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestCheckBind(t *testing.T) {
	assert.NoError(t, checkBind("127.0.0.1:6060", Config{}))
	assert.NoError(t, checkBind("localhost:6060", Config{}))
	assert.NoError(t, checkBind("0.0.0.0:6060", Config{Token: "x"}))
	assert.NoError(t, checkBind("0.0.0.0:6060", Config{AllowInsecure: true}))

	err := checkBind(":6060", Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInsecureBind))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1":  true,
		"[::1]:1":      true,
		"LOCALHOST:1":  true,
		":1":           false,
		"0.0.0.0:1":    false,
		"10.0.0.1:1":   false,
		"no-port-here": false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/", normalizePrefix("/x/"))
}

func TestNeedsRestart(t *testing.T) {
	a := Config{Enabled: true, Addr: "127.0.0.1:6060", PprofPrefix: "/debug/pprof"}
	b := a
	b.PprofPrefix = "/debug/pprof/"
	b.MemProfileRate = 1024
	assert.False(t, needsRestart(a, b))

	b.Token = "t"
	assert.True(t, needsRestart(a, b))
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0", MutexProfileFraction: -1, BlockProfileRate: -1}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Addr())
}
