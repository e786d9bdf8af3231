// These tests exercise the HTTP datasource client, focusing on:
//   - Default configuration and TLS settings.
//   - Retry and backoff behavior on transient failures.
//   - Immediate failure on permanent statuses.
//   - Retry-After handling.
//   - Context-aware sleep behavior.

package httpds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// noSleep records requested waits without sleeping.
type noSleep struct{ waits []time.Duration }

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.waits = append(n.waits, d)
	return ctx.Err()
}

func newTestClient(cfg Config) (*Client, *noSleep) {
	c := NewClient(cfg)
	ns := &noSleep{}
	c.sleep = ns.sleep
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, ns
}

// TestNewClient_Defaults verifies that NewClient applies sensible defaults
// and correctly sets TLS behavior when no custom Transport is supplied.
func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true})

	if c.httpClient.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", c.httpClient.Timeout)
	}
	if c.maxRetries != 0 {
		t.Fatalf("expected default maxRetries=0, got %d", c.maxRetries)
	}
	if c.initialBackoff != 200*time.Millisecond || c.maxBackoff != 5*time.Second {
		t.Fatalf("backoff defaults = %v/%v", c.initialBackoff, c.maxBackoff)
	}

	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", c.httpClient.Transport)
	}
	if transport.TLSClientConfig == nil || !transport.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify=true when configured")
	}
}

// TestFetch_Success_NoRetry verifies that a 200 response returns immediately.
func TestFetch_Success_NoRetry(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, ns := newTestClient(Config{
		MaxRetries:  3,
		BaseHeaders: http.Header{"Authorization": []string{"Bearer tok"}},
	})

	resp, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %q", resp.Body)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}
	if resp.Attempts != 1 || len(ns.waits) != 0 {
		t.Fatalf("attempts=%d waits=%v; want 1 and none", resp.Attempts, ns.waits)
	}
}

// TestFetch_TransientThenSuccess: three consecutive transient failures and
// then success, with five retries allowed, succeeds without error.
func TestFetch_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		switch n {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		case 3:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	c, ns := newTestClient(Config{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     25 * time.Millisecond,
	})

	resp, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if resp.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", resp.Attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(ns.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", ns.waits, want)
	}
	for i := range want {
		if ns.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, ns.waits[i], want[i])
		}
	}
}

// TestFetch_StopsAfterMaxRetries: with two retries allowed, a persistently
// failing endpoint is hit exactly three times and the error names the
// attempt count.
func TestFetch_StopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var retries []int
	c, _ := newTestClient(Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		OnRetry:        func(attempt int, _ error) { retries = append(retries, attempt) },
	})

	_, err := c.Fetch(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatalf("expected error after exhausting retries, got nil")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts (1 initial + 2 retries), got %d", got)
	}
	if len(retries) != 2 {
		t.Fatalf("OnRetry calls = %v, want 2", retries)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v; want wrapped StatusError 503", err)
	}
}

// TestFetch_PermanentStatus verifies that 4xx other than 429 fail at once.
func TestFetch_PermanentStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden} {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(code)
			_, _ = w.Write([]byte("nope"))
		}))

		c, ns := newTestClient(Config{MaxRetries: 5})
		_, err := c.Fetch(context.Background(), srv.URL, nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: err = %v, want *StatusError", code, err)
		}
		if se.StatusCode != code || se.Transient() {
			t.Fatalf("status %d: got %d transient=%v", code, se.StatusCode, se.Transient())
		}
		if se.Body != "nope" {
			t.Fatalf("status %d: body = %q", code, se.Body)
		}
		if got := atomic.LoadInt32(&hits); got != 1 {
			t.Fatalf("status %d: expected 1 attempt, got %d", code, got)
		}
		if len(ns.waits) != 0 {
			t.Fatalf("status %d: unexpected waits %v", code, ns.waits)
		}
	}
}

// TestFetch_RetryAfterHonored verifies a Retry-After longer than the backoff
// replaces it.
func TestFetch_RetryAfterHonored(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, ns := newTestClient(Config{MaxRetries: 1, InitialBackoff: time.Millisecond})
	if _, err := c.Fetch(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(ns.waits) != 1 || ns.waits[0] != 3*time.Second {
		t.Fatalf("waits = %v, want [3s]", ns.waits)
	}
}

// TestFetch_TransportErrorIsTransient verifies connection failures are retried.
func TestFetch_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listens any more

	c, ns := newTestClient(Config{MaxRetries: 2, Timeout: time.Second})
	_, err := c.Fetch(context.Background(), url, nil)
	if err == nil {
		t.Fatalf("expected error for closed server")
	}
	if len(ns.waits) != 2 {
		t.Fatalf("waits = %v, want 2 backoffs", ns.waits)
	}
}

// TestFetch_ContextCanceled verifies cancellation is returned without retries.
func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := newTestClient(Config{MaxRetries: 3})
	_, err := c.Fetch(ctx, "http://127.0.0.1:1/", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDo_Validation(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{})
	if _, err := c.Do(context.Background(), "", "http://x", nil, nil); err == nil {
		t.Fatalf("expected error for empty method")
	}
	if _, err := c.Do(context.Background(), http.MethodGet, "", nil, nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{64, 500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := backoffDuration(100*time.Millisecond, c.attempt, 500*time.Millisecond); got != c.want {
			t.Errorf("backoffDuration(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestHalfJitterBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		if j := halfJitter(time.Second); j < 0 || j > 500*time.Millisecond {
			t.Fatalf("halfJitter(1s) = %v out of [0, 500ms]", j)
		}
	}
	if halfJitter(0) != 0 {
		t.Fatalf("halfJitter(0) != 0")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, c := range cases {
		if got := ParseRetryAfter(c.in, now); got != c.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepWithContext on canceled ctx = %v", err)
	}
	if err := sleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepWithContext = %v", err)
	}
}
