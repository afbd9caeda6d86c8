package action

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/task/engine"
	logx "cronrelay/pkg/logx"
)

type seen struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newServer(t *testing.T, status int, hdr map[string]string) (*httptest.Server, chan seen) {
	t.Helper()
	ch := make(chan seen, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- seen{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone(), body: string(b)}
		for k, v := range hdr {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("response body"))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func payload(t *testing.T, m map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestInvokePostJSON(t *testing.T) {
	t.Parallel()
	srv, ch := newServer(t, http.StatusCreated, nil)
	inv := NewHTTP(Config{}, srv.Client(), logx.Nop())

	out, err := inv.Invoke(context.Background(), payload(t, map[string]any{
		"method":  "post",
		"url":     srv.URL + "/hooks/run",
		"headers": map[string]any{"X-Token": "abc", "X-Multi": []string{"1", "2"}},
		"params":  map[string]any{"dry": true, "n": 3},
		"data":    map[string]any{"job": "nightly"},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out.Code)

	got := <-ch
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/hooks/run", got.path)
	assert.Equal(t, "dry=true&n=3", got.query)
	assert.Equal(t, "abc", got.header.Get("X-Token"))
	assert.Equal(t, []string{"1", "2"}, got.header.Values("X-Multi"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, defaultUserAgent, got.header.Get("User-Agent"))
	assert.JSONEq(t, `{"job":"nightly"}`, got.body)
}

func TestInvokeDefaultsToGetAndBaseURL(t *testing.T) {
	t.Parallel()
	srv, ch := newServer(t, http.StatusOK, nil)
	inv := NewHTTP(Config{}, srv.Client(), logx.Nop())

	_, err := inv.Invoke(context.Background(), payload(t, map[string]any{
		"baseURL": srv.URL + "/api/",
		"url":     "/ping",
		"auth":    map[string]any{"username": "u", "password": "p"},
	}))
	require.NoError(t, err)
	got := <-ch
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/api/ping", got.path)
	assert.Empty(t, got.body)
	assert.Contains(t, got.header.Get("Authorization"), "Basic ")
}

func TestInvokeClientErrorIsNoRetry(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusNotFound, nil)
	inv := NewHTTP(Config{}, srv.Client(), logx.Nop())

	out, err := inv.Invoke(context.Background(), payload(t, map[string]any{"url": srv.URL}))
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, out.Code)
	assert.True(t, engine.IsNoRetry(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 404, se.Code())
	assert.Equal(t, "response body", se.Body)
}

func TestInvokeServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusBadGateway, nil)
	inv := NewHTTP(Config{}, srv.Client(), logx.Nop())

	_, err := inv.Invoke(context.Background(), payload(t, map[string]any{"url": srv.URL}))
	require.Error(t, err)
	assert.False(t, engine.IsNoRetry(err))
}

func TestInvokeTooManyRequestsHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "7"})
	inv := NewHTTP(Config{}, srv.Client(), logx.Nop())

	_, err := inv.Invoke(context.Background(), payload(t, map[string]any{"url": srv.URL}))
	require.Error(t, err)
	assert.False(t, engine.IsNoRetry(err))
	var ra engine.RetryAfterError
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, 7*time.Second, ra.RetryAfter())
}

func TestInvokePayloadTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	inv := NewHTTP(Config{Timeout: time.Minute}, srv.Client(), logx.Nop())

	start := time.Now()
	_, err := inv.Invoke(context.Background(), payload(t, map[string]any{"url": srv.URL, "timeout": 50}))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvokeRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	inv := NewHTTP(Config{}, nil, logx.Nop())
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"url":`},
		{name: "array", raw: `[1]`},
		{name: "missing url", raw: `{"method":"GET"}`},
		{name: "bad scheme", raw: `{"url":"ftp://example.com/x"}`},
		{name: "relative without base", raw: `{"url":"/x"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := inv.Invoke(context.Background(), json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, engine.IsNoRetry(err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if d, ok := parseRetryAfter("3", now); !ok || d != 3*time.Second {
		t.Fatalf("seconds form: %v %v", d, ok)
	}
	if d, ok := parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now); !ok || d != 10*time.Second {
		t.Fatalf("date form: %v %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon", now); ok {
		t.Fatal("expected garbage to be rejected")
	}
}
