package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"cronrelay/internal/task/engine"
	logx "cronrelay/pkg/logx"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 64 << 10
	defaultUserAgent        = "cronrelay/1"
)

type Config struct {
	Timeout          time.Duration // used when the payload has no timeout
	MaxResponseBytes int64
	UserAgent        string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string // truncated
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected response status %s", e.Status)
	}
	return fmt.Sprintf("unexpected response status %s: %s", e.Status, e.Body)
}

func (e *StatusError) Code() int { return e.StatusCode }

// HTTPInvoker performs the request described by a job payload.
type HTTPInvoker struct {
	mu     sync.RWMutex
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg Config, client *http.Client, log logx.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPInvoker{cfg: cfg.withDefaults(), client: client, log: log}
}

// Apply swaps client settings; in-flight requests keep theirs.
func (h *HTTPInvoker) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *HTTPInvoker) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Invoke sends the request and drains (a bounded part of) the response.
//
// Failures are classified for the engine: malformed payloads and 4xx responses
// are NoRetry (except 408/429), 429/503 honor Retry-After.
func (h *HTTPInvoker) Invoke(ctx context.Context, payload json.RawMessage) (engine.Outcome, error) {
	cfg := h.config()
	req, timeout, err := buildRequest(ctx, payload, cfg)
	if err != nil {
		return engine.Outcome{}, engine.NoRetry(err)
	}
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return engine.Outcome{}, errors.Wrapf(err, "%s %s", req.Method, redact(req.URL))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBytes))
	h.log.Debug("action response",
		logx.String("method", req.Method),
		logx.String("url", redact(req.URL)),
		logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(snippet)),
		logx.Duration("took", time.Since(start)),
	)

	out := engine.Outcome{Code: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}
	return out, classify(resp, snippet)
}

func classify(resp *http.Response, body []byte) error {
	se := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: truncate(strings.TrimSpace(string(body)), 256)}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(se, d)
		}
		return se
	case code == http.StatusRequestTimeout:
		return se
	case code >= 400 && code < 500:
		return engine.NoRetry(se)
	default:
		return se
	}
}

func buildRequest(ctx context.Context, payload json.RawMessage, cfg Config) (*http.Request, time.Duration, error) {
	if !gjson.ValidBytes(payload) {
		return nil, 0, errors.New("payload is not valid JSON")
	}
	p := gjson.ParseBytes(payload)
	if !p.IsObject() {
		return nil, 0, errors.New("payload must be a JSON object")
	}

	target, err := resolveURL(p.Get("baseURL").String(), p.Get("url").String())
	if err != nil {
		return nil, 0, err
	}
	if params := p.Get("params"); params.IsObject() {
		q := target.Query()
		params.ForEach(func(k, v gjson.Result) bool {
			if v.IsArray() {
				for _, item := range v.Array() {
					q.Add(k.String(), item.String())
				}
				return true
			}
			q.Set(k.String(), v.String())
			return true
		})
		target.RawQuery = q.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(p.Get("method").String()))
	if method == "" {
		method = http.MethodGet
	}

	data := p.Get("data")
	if !data.Exists() {
		data = p.Get("body")
	}
	var (
		body        io.Reader = http.NoBody
		contentType string
	)
	switch {
	case !data.Exists() || data.Type == gjson.Null:
	case data.Type == gjson.String:
		body = strings.NewReader(data.String())
		contentType = "text/plain; charset=utf-8"
	default:
		body = bytes.NewReader([]byte(data.Raw))
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	p.Get("headers").ForEach(func(k, v gjson.Result) bool {
		if v.IsArray() {
			req.Header.Del(k.String())
			for _, item := range v.Array() {
				req.Header.Add(k.String(), item.String())
			}
			return true
		}
		req.Header.Set(k.String(), v.String())
		return true
	})
	if auth := p.Get("auth"); auth.IsObject() {
		req.SetBasicAuth(auth.Get("username").String(), auth.Get("password").String())
	}

	var timeout time.Duration
	if ms := p.Get("timeout").Int(); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return req, timeout, nil
}

func resolveURL(base, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	base = strings.TrimSpace(base)
	if raw == "" && base == "" {
		return nil, errors.New("payload.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "payload.url")
	}
	if base != "" && !u.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return nil, errors.Wrap(err, "payload.baseURL")
		}
		// axios joins by concatenation, not RFC 3986 reference resolution.
		joined := strings.TrimRight(b.String(), "/")
		if raw != "" {
			joined += "/" + strings.TrimLeft(raw, "/")
		}
		if u, err = url.Parse(joined); err != nil {
			return nil, errors.Wrap(err, "payload.url")
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("payload.url must be http(s), got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("payload.url has no host")
	}
	return u, nil
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// redact drops userinfo and the query string from logged URLs.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.User = nil
	cp.RawQuery = ""
	return cp.String()
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN] + "..."
}
